// Package rtvi reports pipeline activity to the client as RTVI messages
// over the transport's data channel.
package rtvi

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// Label marks every message as RTVI.
const Label = "rtvi-ai"

// Version is the protocol version announced in bot-ready.
const Version = "1.0.0"

// Message types sent to the client.
const (
	TypeBotReady                  = "bot-ready"
	TypeUserTranscription         = "user-transcription"
	TypeUserStartedSpeaking       = "user-started-speaking"
	TypeUserStoppedSpeaking       = "user-stopped-speaking"
	TypeBotStartedSpeaking        = "bot-started-speaking"
	TypeBotStoppedSpeaking        = "bot-stopped-speaking"
	TypeBotLLMStarted             = "bot-llm-started"
	TypeBotLLMStopped             = "bot-llm-stopped"
	TypeBotLLMText                = "bot-llm-text"
	TypeBotOutput                 = "bot-output"
	TypeFunctionCallInProgress    = "llm-function-call-in-progress"
	TypeFunctionCallResult        = "llm-function-call-result"
	TypeMetrics                   = "metrics"
	TypeError                     = "error"
	typeClientReady               = "client-ready"
	defaultFunctionCallReportName = "*"
)

// Message is one RTVI message.
type Message struct {
	Label string `json:"label"`
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ReportLevel controls how much of a function call is reported.
type ReportLevel int

const (
	// ReportNone reports only the call id.
	ReportNone ReportLevel = iota
	// ReportName adds the function name.
	ReportName
	// ReportFull adds arguments and results.
	ReportFull
)

// Sender delivers messages to the client.
type Sender interface {
	SendMessage(v any) error
}

// Observer turns pipeline frames into RTVI messages. Each frame is reported
// once no matter how many hops it makes.
type Observer struct {
	sender Sender
	logger *slog.Logger
	levels map[string]ReportLevel
	hooks  []func(Message)

	mu   sync.Mutex
	seen map[uint64]struct{}
}

// Option configures an Observer.
type Option func(*Observer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Observer) { o.logger = l }
}

// WithFunctionCallReportLevel sets report levels per function name. The
// name "*" applies to functions without their own entry.
func WithFunctionCallReportLevel(levels map[string]ReportLevel) Option {
	return func(o *Observer) {
		for k, v := range levels {
			o.levels[k] = v
		}
	}
}

// WithMessageHook calls fn with every message sent to the client.
func WithMessageHook(fn func(Message)) Option {
	return func(o *Observer) { o.hooks = append(o.hooks, fn) }
}

// NewObserver creates an observer sending through s.
func NewObserver(s Sender, opts ...Option) *Observer {
	o := &Observer{
		sender: s,
		logger: slog.Default(),
		levels: make(map[string]ReportLevel),
		seen:   make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "rtvi")
	return o
}

// ReportLevelFor returns the level applied to fn.
func (o *Observer) ReportLevelFor(fn string) ReportLevel {
	if l, ok := o.levels[fn]; ok {
		return l
	}
	if l, ok := o.levels[defaultFunctionCallReportName]; ok {
		return l
	}
	return ReportNone
}

// OnPushFrame implements pipeline.Observer.
func (o *Observer) OnPushFrame(ev pipeline.PushEvent) {
	// Bot speaking frames travel both ways as separate frames.
	switch ev.Frame.(type) {
	case *frames.BotStartedSpeakingFrame, *frames.BotStoppedSpeakingFrame:
		if ev.Direction != pipeline.Downstream {
			return
		}
	case *frames.InputAudioRawFrame, *frames.OutputAudioRawFrame:
		return
	}
	if !o.firstSight(ev.Frame) {
		return
	}

	switch f := ev.Frame.(type) {
	case *frames.ClientMessageFrame:
		if f.Type == typeClientReady {
			o.send(TypeBotReady, map[string]any{
				"version": Version,
				"about":   map[string]any{"library": "pipecat-sandbox"},
			})
		}
	case *frames.TranscriptionFrame:
		o.send(TypeUserTranscription, map[string]any{
			"text":      f.Text,
			"user_id":   f.UserID,
			"timestamp": timestamp(f.Timestamp),
			"final":     true,
		})
	case *frames.InterimTranscriptionFrame:
		o.send(TypeUserTranscription, map[string]any{
			"text":      f.Text,
			"user_id":   f.UserID,
			"timestamp": timestamp(f.Timestamp),
			"final":     false,
		})
	case *frames.UserStartedSpeakingFrame:
		o.send(TypeUserStartedSpeaking, nil)
	case *frames.UserStoppedSpeakingFrame:
		o.send(TypeUserStoppedSpeaking, nil)
	case *frames.BotStartedSpeakingFrame:
		o.send(TypeBotStartedSpeaking, nil)
	case *frames.BotStoppedSpeakingFrame:
		o.send(TypeBotStoppedSpeaking, nil)
	case *frames.LLMFullResponseStartFrame:
		o.send(TypeBotLLMStarted, nil)
	case *frames.LLMFullResponseEndFrame:
		o.send(TypeBotLLMStopped, nil)
	case *frames.TextFrame:
		o.send(TypeBotLLMText, map[string]any{"text": f.Text})
	case *frames.TTSTextFrame:
		o.send(TypeBotOutput, map[string]any{"text": f.Text, "spoken": true})
	case *frames.FunctionCallInProgressFrame:
		o.send(TypeFunctionCallInProgress, o.functionCall(f.FunctionName, f.ToolCallID, f.Arguments, nil, false))
	case *frames.FunctionCallResultFrame:
		o.send(TypeFunctionCallResult, o.functionCall(f.FunctionName, f.ToolCallID, f.Arguments, f.Result, true))
	case *frames.MetricsFrame:
		o.send(TypeMetrics, metricsData(f.Data))
	case *frames.ErrorFrame:
		o.send(TypeError, map[string]any{"error": f.Error(), "fatal": f.Fatal})
	}
}

func (o *Observer) firstSight(f frames.Frame) bool {
	id := frames.ID(f)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[id]; ok {
		return false
	}
	o.seen[id] = struct{}{}
	return true
}

func (o *Observer) functionCall(name, id string, args map[string]any, result any, withResult bool) map[string]any {
	data := map[string]any{"tool_call_id": id}
	level := o.ReportLevelFor(name)
	if level >= ReportName {
		data["function_name"] = name
	}
	if level >= ReportFull {
		if args == nil {
			args = map[string]any{}
		}
		data["arguments"] = args
		if withResult {
			data["result"] = result
		}
	}
	return data
}

func (o *Observer) send(typ string, data any) {
	msg := Message{Label: Label, Type: typ, Data: data}
	if err := o.sender.SendMessage(msg); err != nil {
		o.logger.Debug("rtvi message not delivered", "type", typ, "error", err)
	}
	for _, h := range o.hooks {
		h(msg)
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// MetricEntry is a latency measurement in seconds.
type MetricEntry struct {
	Processor string  `json:"processor"`
	Model     string  `json:"model,omitempty"`
	Value     float64 `json:"value"`
}

// UsageEntry is the token usage of one LLM call.
type UsageEntry struct {
	Processor string          `json:"processor"`
	Model     string          `json:"model,omitempty"`
	Value     frames.LLMUsage `json:"value"`
}

// CharactersEntry is the number of characters sent to a TTS service.
type CharactersEntry struct {
	Processor string `json:"processor"`
	Model     string `json:"model,omitempty"`
	Value     int    `json:"value"`
}

// Metrics is the data of a metrics message.
type Metrics struct {
	TTFB       []MetricEntry     `json:"ttfb,omitempty"`
	Processing []MetricEntry     `json:"processing,omitempty"`
	LLMUsage   []UsageEntry      `json:"llm_usage,omitempty"`
	Characters []CharactersEntry `json:"characters,omitempty"`
}

func metricsData(data []frames.MetricsData) Metrics {
	var m Metrics
	for _, d := range data {
		switch d.Kind {
		case frames.MetricTTFB:
			m.TTFB = append(m.TTFB, MetricEntry{d.Processor, d.Model, d.Value.Seconds()})
		case frames.MetricProcessing:
			m.Processing = append(m.Processing, MetricEntry{d.Processor, d.Model, d.Value.Seconds()})
		case frames.MetricLLMUsage:
			if d.Usage != nil {
				m.LLMUsage = append(m.LLMUsage, UsageEntry{d.Processor, d.Model, *d.Usage})
			}
		case frames.MetricTTSUsage:
			m.Characters = append(m.Characters, CharactersEntry{d.Processor, d.Model, d.Characters})
		}
	}
	return m
}

var _ pipeline.Observer = (*Observer)(nil)
