// sandbox-client: command line WebRTC client for the sandbox bot.
// Posts an offer, records the bot's audio to a WAV file and prints the
// RTVI messages it receives.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"

	"github.com/ashutosh7i/Pipecat-sandbox/internal/httpc"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/bot"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/rtvi"
)

const sampleRate = 48000

var (
	serverURL = flag.String("server", "http://localhost:7860", "Sandbox server base URL")
	mode      = flag.String("mode", string(bot.ModeThreeTier), "three_tier or s2s")
	stt       = flag.String("stt", "", "STT provider")
	llm       = flag.String("llm", "", "LLM provider")
	tts       = flag.String("tts", "", "TTS provider")
	s2s       = flag.String("s2s", "", "Speech-to-speech provider")
	prompt    = flag.String("system-prompt", "", "System prompt")
	activity  = flag.String("activity-prompt", "", "Activity prompt")
	wavPath   = flag.String("wav", "bot.wav", "Where to write the bot's audio")
	duration  = flag.Duration("duration", 30*time.Second, "How long to stay connected")
)

type stats struct {
	packets  atomic.Int64
	samples  atomic.Int64
	errors   atomic.Int64
	messages atomic.Int64
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	fmt.Println("🎤 Sandbox client")
	fmt.Printf("   server: %s  mode: %s\n\n", *serverURL, *mode)

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("peer connection: %w", err)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	}); err != nil {
		return fmt.Errorf("audio transceiver: %w", err)
	}

	decoder, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return fmt.Errorf("opus decoder: %w", err)
	}

	var (
		st  stats
		mu  sync.Mutex
		pcm []int16
	)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fmt.Printf("✅ Got track: %s (%s)\n", track.Kind(), track.Codec().MimeType)
		buf := make([]int16, 5760)
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			st.packets.Add(1)
			n, err := decoder.Decode(pkt.Payload, buf)
			if err != nil {
				st.errors.Add(1)
				continue
			}
			st.samples.Add(int64(n))
			mu.Lock()
			pcm = append(pcm, buf[:n]...)
			mu.Unlock()
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fmt.Printf("🔗 Connection state: %s\n", s)
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
	})

	dc, err := pc.CreateDataChannel("rtvi", nil)
	if err != nil {
		return fmt.Errorf("data channel: %w", err)
	}
	dc.OnOpen(func() {
		msg := rtvi.Message{
			Label: rtvi.Label,
			Type:  "client-ready",
			ID:    uuid.NewString(),
			Data:  map[string]string{"version": rtvi.Version},
		}
		data, _ := json.Marshal(msg)
		if err := dc.SendText(string(data)); err != nil {
			fmt.Printf("⚠️  client-ready: %v\n", err)
		}
	})
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		st.messages.Add(1)
		printMessage(m.Data)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	var answer struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
		PCID string `json:"pc_id"`
	}
	req := map[string]any{
		"sdp":          pc.LocalDescription().SDP,
		"type":         pc.LocalDescription().Type.String(),
		"request_data": sessionConfig(),
	}
	if err := httpc.PostJSON(ctx, nil, strings.TrimRight(*serverURL, "/")+"/api/offer", nil, req, &answer); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	fmt.Printf("📨 Answer received, pc_id %s\n", answer.PCID)
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			fmt.Printf("📊 Pkts: %d | Samples: %d | Errors: %d | Messages: %d\n",
				st.packets.Load(), st.samples.Load(), st.errors.Load(), st.messages.Load())
		}
	}

	pc.Close()
	mu.Lock()
	samples := pcm
	mu.Unlock()
	fmt.Printf("\n📼 Recorded %.2fs of bot audio\n", float64(len(samples))/sampleRate)
	if len(samples) == 0 {
		return nil
	}
	if err := writeWAV(*wavPath, samples, sampleRate, 1); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	fmt.Printf("✅ Saved to %s\n", *wavPath)
	return nil
}

func sessionConfig() map[string]any {
	cfg := map[string]any{bot.KeyMode: *mode}
	set := func(key, v string) {
		if v != "" {
			cfg[key] = v
		}
	}
	set(bot.KeySTTProvider, *stt)
	set(bot.KeyLLMProvider, *llm)
	set(bot.KeyTTSProvider, *tts)
	set(bot.KeyS2SProvider, *s2s)
	set(bot.KeySystemPrompt, *prompt)
	set(bot.KeyActivityPrompt, *activity)
	return cfg
}

func printMessage(data []byte) {
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Printf("⚠️  bad message: %s\n", data)
		return
	}
	switch msg.Type {
	case rtvi.TypeBotLLMText, rtvi.TypeBotStartedSpeaking, rtvi.TypeBotStoppedSpeaking:
		return
	case rtvi.TypeUserTranscription:
		fmt.Printf("🗣️  user: %s\n", msg.Data)
	case rtvi.TypeBotOutput:
		fmt.Printf("🤖 bot: %s\n", msg.Data)
	case rtvi.TypeFunctionCallInProgress, rtvi.TypeFunctionCallResult:
		fmt.Printf("🛠️  %s: %s\n", msg.Type, msg.Data)
	default:
		fmt.Printf("   %s %s\n", msg.Type, msg.Data)
	}
}

func writeWAV(filename string, samples []int16, sampleRate, channels int) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	dataSize := len(samples) * 2
	header := []any{
		[]byte("RIFF"), uint32(36 + dataSize), []byte("WAVE"),
		[]byte("fmt "), uint32(16), uint16(1), uint16(channels),
		uint32(sampleRate), uint32(sampleRate * channels * 2), uint16(channels * 2), uint16(16),
		[]byte("data"), uint32(dataSize),
	}
	for _, v := range header {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return binary.Write(f, binary.LittleEndian, samples)
}
