// Package frames defines the units of data and control that flow through a
// voice pipeline. Every frame is a plain struct; processors switch on the
// concrete type.
package frames

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/llmcontext"
)

// Frame is implemented by every frame type. Frames travel as pointers so
// observers can recognise the same frame at every hop.
type Frame interface {
	FrameName() string
	FrameMeta() *Meta
}

var lastID atomic.Uint64

// Meta is embedded in every frame. Packages defining their own frame types
// embed it too.
type Meta struct {
	id uint64
}

// FrameMeta returns m.
func (m *Meta) FrameMeta() *Meta { return m }

// ID returns the frame's process-unique identifier, assigning one on first use.
func ID(f Frame) uint64 {
	m := f.FrameMeta()
	if m.id == 0 {
		m.id = lastID.Add(1)
	}
	return m.id
}

// Name returns a printable name for f, tolerating nil.
func Name(f Frame) string {
	if f == nil {
		return "<nil>"
	}
	return f.FrameName()
}

// --- lifecycle ---

// StartFrame is the first frame of every pipeline run.
type StartFrame struct {
	Meta
	EnableMetrics      bool
	EnableUsageMetrics bool
	AudioInSampleRate  int
	AudioOutSampleRate int
}

// EndFrame asks the pipeline to finish after pending frames are processed.
type EndFrame struct{ Meta }

// CancelFrame asks the pipeline to stop immediately.
type CancelFrame struct{ Meta }

// ErrorFrame reports a processor failure. Fatal errors cancel the task.
type ErrorFrame struct {
	Meta
	Err   error
	Fatal bool
	From  string
}

func (StartFrame) FrameName() string  { return "StartFrame" }
func (EndFrame) FrameName() string    { return "EndFrame" }
func (CancelFrame) FrameName() string { return "CancelFrame" }
func (ErrorFrame) FrameName() string  { return "ErrorFrame" }

func (e ErrorFrame) Error() string {
	if e.From != "" {
		return fmt.Sprintf("%s: %v", e.From, e.Err)
	}
	return fmt.Sprint(e.Err)
}

// --- audio ---

// InputAudioRawFrame carries PCM16 little-endian audio received from the user.
type InputAudioRawFrame struct {
	Meta
	Audio       []byte
	SampleRate  int
	NumChannels int
}

// OutputAudioRawFrame carries PCM16 little-endian audio to play to the user.
type OutputAudioRawFrame struct {
	Meta
	Audio       []byte
	SampleRate  int
	NumChannels int
}

func (InputAudioRawFrame) FrameName() string  { return "InputAudioRawFrame" }
func (OutputAudioRawFrame) FrameName() string { return "OutputAudioRawFrame" }

// Duration returns the playback length of the audio.
func (f OutputAudioRawFrame) Duration() time.Duration {
	return pcmDuration(len(f.Audio), f.SampleRate, f.NumChannels)
}

// Duration returns the length of the captured audio.
func (f InputAudioRawFrame) Duration() time.Duration {
	return pcmDuration(len(f.Audio), f.SampleRate, f.NumChannels)
}

func pcmDuration(n, rate, channels int) time.Duration {
	if rate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := n / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// --- speech and turns ---

// UserStartedSpeakingFrame marks the start of a user turn.
type UserStartedSpeakingFrame struct{ Meta }

// UserStoppedSpeakingFrame marks the end of a user turn.
type UserStoppedSpeakingFrame struct{ Meta }

// VADUserStartedSpeakingFrame is emitted when voice activity begins.
type VADUserStartedSpeakingFrame struct{ Meta }

// VADUserStoppedSpeakingFrame is emitted when voice activity ends.
type VADUserStoppedSpeakingFrame struct{ Meta }

// BotStartedSpeakingFrame is emitted by the output transport when playback starts.
type BotStartedSpeakingFrame struct{ Meta }

// BotStoppedSpeakingFrame is emitted by the output transport when playback drains.
type BotStoppedSpeakingFrame struct{ Meta }

// InterruptionFrame tells downstream processors to drop in-flight output.
type InterruptionFrame struct{ Meta }

func (UserStartedSpeakingFrame) FrameName() string    { return "UserStartedSpeakingFrame" }
func (UserStoppedSpeakingFrame) FrameName() string    { return "UserStoppedSpeakingFrame" }
func (VADUserStartedSpeakingFrame) FrameName() string { return "VADUserStartedSpeakingFrame" }
func (VADUserStoppedSpeakingFrame) FrameName() string { return "VADUserStoppedSpeakingFrame" }
func (BotStartedSpeakingFrame) FrameName() string     { return "BotStartedSpeakingFrame" }
func (BotStoppedSpeakingFrame) FrameName() string     { return "BotStoppedSpeakingFrame" }
func (InterruptionFrame) FrameName() string           { return "InterruptionFrame" }

// --- text ---

// TranscriptionFrame is a final user transcript.
type TranscriptionFrame struct {
	Meta
	Text      string
	UserID    string
	Language  string
	Timestamp time.Time
}

// InterimTranscriptionFrame is a partial user transcript.
type InterimTranscriptionFrame struct {
	Meta
	Text      string
	UserID    string
	Timestamp time.Time
}

// TextFrame carries generated assistant text.
type TextFrame struct {
	Meta
	Text string
}

// TTSTextFrame carries text that has been spoken by TTS.
type TTSTextFrame struct {
	Meta
	Text string
}

// TTSStartedFrame and TTSStoppedFrame bracket synthesized audio.
type TTSStartedFrame struct{ Meta }

// TTSStoppedFrame ends a block of synthesized audio.
type TTSStoppedFrame struct{ Meta }

func (TranscriptionFrame) FrameName() string        { return "TranscriptionFrame" }
func (InterimTranscriptionFrame) FrameName() string { return "InterimTranscriptionFrame" }
func (TextFrame) FrameName() string                 { return "TextFrame" }
func (TTSTextFrame) FrameName() string              { return "TTSTextFrame" }
func (TTSStartedFrame) FrameName() string           { return "TTSStartedFrame" }
func (TTSStoppedFrame) FrameName() string           { return "TTSStoppedFrame" }

// --- LLM ---

// LLMRunFrame asks the context aggregator to run the LLM on the current context.
type LLMRunFrame struct{ Meta }

// LLMContextFrame carries the conversation context to an LLM service.
type LLMContextFrame struct {
	Meta
	Context *llmcontext.Context
}

// LLMMessagesAppendFrame appends messages to the context, optionally running the LLM.
type LLMMessagesAppendFrame struct {
	Meta
	Messages []llmcontext.Message
	RunLLM   bool
}

// LLMFullResponseStartFrame and LLMFullResponseEndFrame bracket one LLM response.
type LLMFullResponseStartFrame struct{ Meta }

// LLMFullResponseEndFrame ends one LLM response.
type LLMFullResponseEndFrame struct{ Meta }

// FunctionCallInProgressFrame announces a tool invocation.
type FunctionCallInProgressFrame struct {
	Meta
	FunctionName string
	ToolCallID   string
	Arguments    map[string]any
}

// FunctionCallResultFrame carries a tool result back to the context.
type FunctionCallResultFrame struct {
	Meta
	FunctionName string
	ToolCallID   string
	Arguments    map[string]any
	Result       any
	RunLLM       bool
}

func (LLMRunFrame) FrameName() string                 { return "LLMRunFrame" }
func (LLMContextFrame) FrameName() string             { return "LLMContextFrame" }
func (LLMMessagesAppendFrame) FrameName() string      { return "LLMMessagesAppendFrame" }
func (LLMFullResponseStartFrame) FrameName() string   { return "LLMFullResponseStartFrame" }
func (LLMFullResponseEndFrame) FrameName() string     { return "LLMFullResponseEndFrame" }
func (FunctionCallInProgressFrame) FrameName() string { return "FunctionCallInProgressFrame" }
func (FunctionCallResultFrame) FrameName() string     { return "FunctionCallResultFrame" }

// --- transport messages ---

// TransportMessageFrame carries an application message to the client
// (over the WebRTC data channel).
type TransportMessageFrame struct {
	Meta
	Message any
}

// ClientMessageFrame carries a message received from the client.
type ClientMessageFrame struct {
	Meta
	Type string
	Data map[string]any
}

func (TransportMessageFrame) FrameName() string { return "TransportMessageFrame" }
func (ClientMessageFrame) FrameName() string    { return "ClientMessageFrame" }

// IsSystem reports whether f is a control frame that should not be held
// behind queued data by processors that buffer output.
func IsSystem(f Frame) bool {
	switch f.(type) {
	case *StartFrame, *CancelFrame, *ErrorFrame, *InterruptionFrame,
		*UserStartedSpeakingFrame, *UserStoppedSpeakingFrame,
		*VADUserStartedSpeakingFrame, *VADUserStoppedSpeakingFrame,
		*BotStartedSpeakingFrame, *BotStoppedSpeakingFrame,
		*FunctionCallInProgressFrame, *MetricsFrame, *TransportMessageFrame:
		return true
	}
	return false
}
