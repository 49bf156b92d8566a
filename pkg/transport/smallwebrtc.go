package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/audioio"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// SmallWebRTC is a Transport over a single peer connection.
type SmallWebRTC struct {
	conn   Conn
	params Params
	logger *slog.Logger
	events events

	input  *Input
	output *Output
}

// Option configures a SmallWebRTC transport.
type Option func(*SmallWebRTC)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *SmallWebRTC) { t.logger = l }
}

// NewSmallWebRTC wraps conn. Client connect and disconnect handlers fire
// from the connection's state changes.
func NewSmallWebRTC(conn Conn, p Params, opts ...Option) *SmallWebRTC {
	t := &SmallWebRTC{
		conn:   conn,
		params: p.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "transport.smallwebrtc", "pc_id", conn.ID())
	t.input = newInput(conn, t.params, t.logger)
	t.output = newOutput(conn, t.params, t.logger)

	conn.OnStateChange(func(s State) {
		t.logger.Debug("connection state", "state", s)
		t.events.dispatch(context.Background(), conn.ID(), s)
	})
	return t
}

// ID returns the connection id.
func (t *SmallWebRTC) ID() string { return t.conn.ID() }

// Close closes the underlying connection.
func (t *SmallWebRTC) Close() error { return t.conn.Close() }

// Input returns the stage that emits client audio and messages.
func (t *SmallWebRTC) Input() *Input { return t.input }

// Output returns the stage that plays audio and delivers messages.
func (t *SmallWebRTC) Output() *Output { return t.output }

// Params returns the effective parameters.
func (t *SmallWebRTC) Params() Params { return t.params }

// OnClientConnected registers fn for when the peer connects.
func (t *SmallWebRTC) OnClientConnected(fn EventHandler) { t.events.onConnected(fn) }

// OnClientDisconnected registers fn for when the peer goes away. It fires
// once per connection.
func (t *SmallWebRTC) OnClientDisconnected(fn EventHandler) { t.events.onDisconnected(fn) }

// SendMessage sends v to the client over the data channel.
func (t *SmallWebRTC) SendMessage(v any) error { return t.conn.SendMessage(v) }

// Input pushes InputAudioRawFrames and ClientMessageFrames from the client.
type Input struct {
	*pipeline.BaseProcessor

	conn    Conn
	params  Params
	rate    int
	started bool
}

func newInput(conn Conn, p Params, logger *slog.Logger) *Input {
	return &Input{
		BaseProcessor: pipeline.NewBaseProcessor("transport.input", logger),
		conn:          conn,
		params:        p,
		rate:          p.AudioInSampleRate,
	}
}

// ProcessFrame implements pipeline.Processor.
func (in *Input) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	start, ok := f.(*frames.StartFrame)
	if !ok || dir != pipeline.Downstream {
		return in.PushFrame(ctx, f, dir)
	}
	if start.AudioInSampleRate > 0 {
		in.rate = start.AudioInSampleRate
	}
	if err := in.PushFrame(ctx, f, dir); err != nil {
		return err
	}
	if in.started {
		return nil
	}
	in.started = true
	if in.params.AudioInEnabled {
		in.Go(ctx, in.readAudio)
	}
	in.Go(ctx, in.readMessages)
	return nil
}

func (in *Input) readAudio(ctx context.Context) {
	audio := in.conn.Audio()
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-audio:
			if !ok {
				return
			}
			if src := in.conn.InSampleRate(); src != in.rate {
				pcm = audioio.ResampleBytes(pcm, src, in.rate)
			}
			if err := in.PushFrame(ctx, &frames.InputAudioRawFrame{
				Audio:       pcm,
				SampleRate:  in.rate,
				NumChannels: 1,
			}, pipeline.Downstream); err != nil {
				return
			}
		}
	}
}

type clientMessage struct {
	Label string         `json:"label"`
	Type  string         `json:"type"`
	ID    string         `json:"id"`
	Data  map[string]any `json:"data"`
}

func (in *Input) readMessages(ctx context.Context) {
	msgs := in.conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			var m clientMessage
			if err := json.Unmarshal(raw, &m); err != nil || m.Type == "" {
				in.Logger().Debug("ignoring client message", "error", err)
				continue
			}
			if err := in.PushFrame(ctx, &frames.ClientMessageFrame{Type: m.Type, Data: m.Data}, pipeline.Downstream); err != nil {
				return
			}
		}
	}
}

type outChunk struct {
	pcm  []byte
	done chan struct{}
}

// Output writes assistant audio to the client in AudioOut10msChunks-sized
// blocks paced at real time, and reports when the bot starts and stops
// speaking. TransportMessageFrames are sent over the data channel.
//
// Queued audio is held outside the frame path so ProcessFrame never blocks
// on playback and an InterruptionFrame takes effect as soon as it arrives.
type Output struct {
	*pipeline.BaseProcessor

	conn   Conn
	params Params
	rate   int

	// ProcessFrame goroutine only
	buf     []byte
	started bool

	mu       sync.Mutex
	queue    []outChunk
	speaking bool

	wake      chan struct{}
	interrupt chan struct{}
}

func newOutput(conn Conn, p Params, logger *slog.Logger) *Output {
	return &Output{
		BaseProcessor: pipeline.NewBaseProcessor("transport.output", logger),
		conn:          conn,
		params:        p,
		rate:          p.AudioOutSampleRate,
		wake:          make(chan struct{}, 1),
		interrupt:     make(chan struct{}, 1),
	}
}

// ChunkSize returns the byte length of one write to the client.
func (o *Output) ChunkSize() int {
	return audioio.BytesPerDuration(o.rate, 10*time.Millisecond) * o.params.AudioOut10msChunks
}

// Speaking reports whether audio is currently being played.
func (o *Output) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

// Queued returns the number of chunks waiting to be written.
func (o *Output) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// ProcessFrame implements pipeline.Processor.
func (o *Output) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	if dir == pipeline.Upstream {
		return o.PushFrame(ctx, f, dir)
	}

	switch fr := f.(type) {
	case *frames.StartFrame:
		if fr.AudioOutSampleRate > 0 {
			o.rate = fr.AudioOutSampleRate
		}
		if !o.started && o.params.AudioOutEnabled {
			o.started = true
			o.Go(ctx, o.write)
		}

	case *frames.OutputAudioRawFrame:
		if !o.params.AudioOutEnabled {
			return nil
		}
		pcm := fr.Audio
		if fr.SampleRate > 0 && fr.SampleRate != o.rate {
			pcm = audioio.ResampleBytes(pcm, fr.SampleRate, o.rate)
		}
		o.buf = append(o.buf, pcm...)
		size := o.ChunkSize()
		for len(o.buf) >= size {
			chunk := make([]byte, size)
			copy(chunk, o.buf[:size])
			o.buf = o.buf[size:]
			o.enqueue(outChunk{pcm: chunk})
		}
		return nil

	case *frames.InterruptionFrame:
		o.clear()

	case *frames.TransportMessageFrame:
		if err := o.conn.SendMessage(fr.Message); err != nil {
			if errors.Is(err, ErrNoDataChannel) {
				o.Logger().Debug("dropping message before data channel opened")
			} else {
				o.Logger().Warn("send message failed", "error", err)
			}
		}
		return nil

	case *frames.EndFrame:
		o.drain(ctx)
	}
	return o.PushFrame(ctx, f, dir)
}

func (o *Output) enqueue(c outChunk) {
	o.mu.Lock()
	o.queue = append(o.queue, c)
	o.mu.Unlock()
	signal(o.wake)
}

func (o *Output) dequeue() (outChunk, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return outChunk{}, false
	}
	c := o.queue[0]
	o.queue[0] = outChunk{}
	o.queue = o.queue[1:]
	return c, true
}

// clear drops buffered audio and stops the chunk being paced.
func (o *Output) clear() {
	o.buf = o.buf[:0]
	o.mu.Lock()
	dropped := o.queue
	o.queue = nil
	o.mu.Unlock()
	for _, c := range dropped {
		if c.done != nil {
			close(c.done)
		}
	}
	if len(dropped) > 0 {
		o.Logger().Debug("interrupted, dropped queued audio", "chunks", len(dropped))
	}
	signal(o.interrupt)
}

// drain pads and queues the remaining audio and waits until it was written.
func (o *Output) drain(ctx context.Context) {
	if !o.started {
		return
	}
	if len(o.buf) > 0 {
		chunk := make([]byte, o.ChunkSize())
		copy(chunk, o.buf)
		o.buf = o.buf[:0]
		o.enqueue(outChunk{pcm: chunk})
	}
	done := make(chan struct{})
	o.enqueue(outChunk{done: done})
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (o *Output) write(ctx context.Context) {
	period := time.Duration(o.params.AudioOut10msChunks) * 10 * time.Millisecond
	idle := time.NewTimer(o.params.BotStopDelay)
	idle.Stop()
	defer idle.Stop()

	var next time.Time
	for {
		c, ok := o.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				o.setSpeaking(ctx, false)
			case <-o.interrupt:
				idle.Stop()
				next = time.Time{}
				o.setSpeaking(ctx, false)
			case <-o.wake:
			}
			continue
		}

		if c.done != nil {
			o.setSpeaking(ctx, false)
			close(c.done)
			continue
		}
		o.setSpeaking(ctx, true)
		if err := o.conn.WriteAudio(c.pcm, o.rate); err != nil && !errors.Is(err, ErrClosed) {
			o.Logger().Warn("write audio failed", "error", err)
		}

		now := time.Now()
		if next.Before(now) {
			next = now
		}
		next = next.Add(period)
		pace := time.NewTimer(time.Until(next))
		select {
		case <-pace.C:
			idle.Reset(o.params.BotStopDelay)
		case <-o.interrupt:
			pace.Stop()
			idle.Stop()
			next = time.Time{}
			o.setSpeaking(ctx, false)
		case <-ctx.Done():
			pace.Stop()
			return
		}
	}
}

// signal wakes a single waiter without blocking.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (o *Output) setSpeaking(ctx context.Context, speaking bool) {
	o.mu.Lock()
	changed := o.speaking != speaking
	o.speaking = speaking
	o.mu.Unlock()
	if !changed {
		return
	}

	var f, g frames.Frame = &frames.BotStoppedSpeakingFrame{}, &frames.BotStoppedSpeakingFrame{}
	if speaking {
		f, g = &frames.BotStartedSpeakingFrame{}, &frames.BotStartedSpeakingFrame{}
	}
	_ = o.PushFrame(ctx, f, pipeline.Downstream)
	_ = o.PushFrame(ctx, g, pipeline.Upstream)
}

var (
	_ Transport          = (*SmallWebRTC)(nil)
	_ pipeline.Processor = (*Input)(nil)
	_ pipeline.Processor = (*Output)(nil)
)
