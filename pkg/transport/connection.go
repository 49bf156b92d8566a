package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
)

const (
	opusRate       = 48000
	opusFrame      = 20 * time.Millisecond
	opusFrameSize  = opusRate / 50
	maxOpusPacket  = 4000
	audioQueueSize = 256
)

// ICECandidate is a trickled candidate from the client.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index,omitempty"`
}

// ConnectionConfig configures a peer connection.
type ConnectionConfig struct {
	ICEServers []string
	// GatherTimeout bounds how long Answer waits for ICE gathering.
	GatherTimeout time.Duration
	Logger        *slog.Logger
}

// Connection is a Conn over a pion peer connection. The client sends one
// opus audio track and opens a data channel; the bot answers with one opus
// track.
type Connection struct {
	id     string
	cfg    ConnectionConfig
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	logger *slog.Logger

	audio    chan []byte
	messages chan []byte

	mu       sync.Mutex
	dc       *webrtc.DataChannel
	handlers []func(State)
	encoder  *opus.Encoder
	pending  []int16
	closed   bool

	closeOnce sync.Once
}

// NewConnection creates a peer connection ready to take an offer.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("transport: peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 2},
		"audio", "sandbox-bot",
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("transport: audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("transport: add track: %w", err)
	}

	encoder, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("transport: opus encoder: %w", err)
	}

	c := &Connection{
		id:       "SmallWebRTCConnection#" + uuid.NewString(),
		cfg:      cfg,
		pc:       pc,
		track:    track,
		encoder:  encoder,
		audio:    make(chan []byte, audioQueueSize),
		messages: make(chan []byte, 64),
	}
	c.logger = cfg.Logger.With("component", "transport.connection", "pc_id", c.id)

	// RTCP must be read for interceptors to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.logger.Info("track received", "kind", remote.Kind(), "codec", remote.Codec().MimeType)
		if remote.Kind() == webrtc.RTPCodecTypeAudio {
			go c.readTrack(remote)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.logger.Debug("data channel", "label", dc.Label())
		dc.OnOpen(func() {
			c.mu.Lock()
			c.dc = dc
			c.mu.Unlock()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			select {
			case c.messages <- msg.Data:
			default:
				c.logger.Warn("dropping client message, queue full")
			}
		})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info("peer connection state", "state", s.String())
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.notify(StateConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			c.notify(StateDisconnected)
		case webrtc.PeerConnectionStateClosed:
			c.notify(StateClosed)
		}
	})
	return c, nil
}

// ID returns the connection id handed to the client as pc_id.
func (c *Connection) ID() string { return c.id }

// Audio implements Conn.
func (c *Connection) Audio() <-chan []byte { return c.audio }

// InSampleRate implements Conn.
func (c *Connection) InSampleRate() int { return opusRate }

// Messages implements Conn.
func (c *Connection) Messages() <-chan []byte { return c.messages }

// OnStateChange implements Conn.
func (c *Connection) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

func (c *Connection) notify(s State) {
	c.mu.Lock()
	hs := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

// Answer applies the client's offer and returns the local answer once ICE
// gathering completes.
func (c *Connection) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("transport: set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("transport: create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("transport: set local description: %w", err)
	}

	timer := time.NewTimer(c.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		c.logger.Warn("ICE gathering timed out, answering with partial candidates")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.pc.LocalDescription(), nil
}

// AddICECandidates adds trickled candidates.
func (c *Connection) AddICECandidates(cands []ICECandidate) error {
	var errs []error
	for _, cand := range cands {
		if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) readTrack(remote *webrtc.TrackRemote) {
	decoder, err := opus.NewDecoder(opusRate, 1)
	if err != nil {
		c.logger.Error("opus decoder", "error", err)
		return
	}
	buf := make([]byte, 1500)
	pcm := make([]int16, opusRate*120/1000)
	decodeErrors := 0
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}
		samples, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			decodeErrors++
			if decodeErrors <= 5 {
				c.logger.Warn("opus decode failed", "error", err, "payload", len(pkt.Payload))
			}
			continue
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		select {
		case c.audio <- audioio.SamplesToBytes(pcm[:samples]):
		default:
		}
	}
}

// WriteAudio encodes pcm as 20 ms opus frames. Samples that do not fill a
// frame are held until the next call.
func (c *Connection) WriteAudio(pcm []byte, sampleRate int) error {
	samples := audioio.BytesToSamples(pcm)
	if sampleRate != opusRate {
		samples = audioio.Resample(samples, sampleRate, opusRate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = append(c.pending, samples...)
	packet := make([]byte, maxOpusPacket)
	for len(c.pending) >= opusFrameSize {
		n, err := c.encoder.Encode(c.pending[:opusFrameSize], packet)
		c.pending = c.pending[opusFrameSize:]
		if err != nil {
			return fmt.Errorf("transport: opus encode: %w", err)
		}
		if err := c.track.WriteSample(media.Sample{Data: packet[:n], Duration: opusFrame}); err != nil {
			return fmt.Errorf("transport: write sample: %w", err)
		}
	}
	return nil
}

// SendMessage marshals v and sends it on the data channel.
func (c *Connection) SendMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	c.mu.Lock()
	dc, closed := c.dc, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNoDataChannel
	}
	return dc.SendText(string(data))
}

// Close closes the peer connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		err = c.pc.Close()
	})
	return err
}

var _ Conn = (*Connection)(nil)
