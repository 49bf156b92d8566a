// Package transport moves audio and messages between a client and a
// pipeline. Input() is the first stage of a session pipeline and Output()
// the last media stage; both sit on top of a Conn, normally a WebRTC peer
// connection.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed        = errors.New("transport: connection closed")
	ErrNoDataChannel = errors.New("transport: data channel not open")
)

// Params configures the media side of a transport.
type Params struct {
	AudioInEnabled  bool
	AudioOutEnabled bool
	// AudioOut10msChunks is how many 10 ms blocks make up one write to the
	// client.
	AudioOut10msChunks int

	// Used when the StartFrame does not carry rates.
	AudioInSampleRate  int
	AudioOutSampleRate int

	// BotStopDelay is how long output must stay silent before the bot is
	// considered to have stopped speaking.
	BotStopDelay time.Duration
}

// DefaultParams returns audio in and out enabled with 20 ms writes.
func DefaultParams() Params {
	return Params{
		AudioInEnabled:     true,
		AudioOutEnabled:    true,
		AudioOut10msChunks: 2,
		AudioInSampleRate:  16000,
		AudioOutSampleRate: 24000,
		BotStopDelay:       350 * time.Millisecond,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.AudioOut10msChunks <= 0 {
		p.AudioOut10msChunks = d.AudioOut10msChunks
	}
	if p.AudioInSampleRate <= 0 {
		p.AudioInSampleRate = d.AudioInSampleRate
	}
	if p.AudioOutSampleRate <= 0 {
		p.AudioOutSampleRate = d.AudioOutSampleRate
	}
	if p.BotStopDelay <= 0 {
		p.BotStopDelay = d.BotStopDelay
	}
	return p
}

// State is the lifecycle state of a client connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Conn is one client connection. Audio is 16-bit little-endian mono PCM.
type Conn interface {
	ID() string
	// Audio delivers decoded client audio at InSampleRate. The channel is
	// closed when the connection closes.
	Audio() <-chan []byte
	InSampleRate() int
	// Messages delivers raw data channel messages.
	Messages() <-chan []byte
	WriteAudio(pcm []byte, sampleRate int) error
	SendMessage(v any) error
	OnStateChange(fn func(State))
	Close() error
}

// Transport is the surface a session pipeline is assembled from.
type Transport interface {
	ID() string
	Input() *Input
	Output() *Output
	OnClientConnected(fn EventHandler)
	OnClientDisconnected(fn EventHandler)
	SendMessage(v any) error
	Close() error
}

// EventHandler receives client lifecycle events.
type EventHandler func(ctx context.Context, clientID string)

// Factory creates the transport of one session.
type Factory func(p Params) (Transport, error)

// events dispatches client lifecycle handlers. Disconnect fires at most once.
type events struct {
	mu           sync.Mutex
	connected    []EventHandler
	disconnected []EventHandler
	wasConnected bool
	gone         bool
}

func (e *events) onConnected(fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = append(e.connected, fn)
}

func (e *events) onDisconnected(fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnected = append(e.disconnected, fn)
}

func (e *events) dispatch(ctx context.Context, id string, s State) {
	e.mu.Lock()
	var hs []EventHandler
	switch s {
	case StateConnected:
		if !e.wasConnected && !e.gone {
			e.wasConnected = true
			hs = append(hs, e.connected...)
		}
	case StateDisconnected, StateClosed:
		if !e.gone {
			e.gone = true
			hs = append(hs, e.disconnected...)
		}
	}
	e.mu.Unlock()

	for _, h := range hs {
		h(ctx, id)
	}
}
