package voice

import (
	"sync"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/frames"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
)

// Metrics tracks latency of one conversation turn. Durations are measured
// from the moment the user stopped speaking.
type Metrics struct {
	SpeechEndTime    time.Time
	TranscriptTime   time.Time
	FirstTokenTime   time.Time
	FirstAudioTime   time.Time
	ResponseDoneTime time.Time

	ASRLatency    time.Duration
	LLMFirstToken time.Duration
	TTSFirstAudio time.Duration
	TotalLatency  time.Duration

	AudioChunksOut   int
	PromptTokens     int
	CompletionTokens int
	TTSCharacters    int
}

const historySize = 100

// MetricsCollector derives turn latency from the frames of a running
// pipeline. It implements pipeline.Observer and is safe for concurrent use.
type MetricsCollector struct {
	mu      sync.Mutex
	current Metrics
	history []Metrics
	seen    map[uint64]struct{}
	now     func() time.Time

	onUpdate func(Metrics)
	onTurn   func(Metrics)
}

// NewMetricsCollector creates a collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		history: make([]Metrics, 0, historySize),
		seen:    make(map[uint64]struct{}),
		now:     time.Now,
	}
}

// OnUpdate sets a callback fired whenever the current turn changes.
func (m *MetricsCollector) OnUpdate(fn func(Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// OnTurnComplete sets a callback fired when a turn is archived.
func (m *MetricsCollector) OnTurnComplete(fn func(Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTurn = fn
}

// OnPushFrame implements pipeline.Observer. Each frame is counted once no
// matter how many hops it makes.
func (m *MetricsCollector) OnPushFrame(ev pipeline.PushEvent) {
	id := frames.ID(ev.Frame)

	m.mu.Lock()
	if _, dup := m.seen[id]; dup {
		m.mu.Unlock()
		return
	}
	if len(m.seen) > 4096 {
		clear(m.seen)
	}
	m.seen[id] = struct{}{}
	m.mu.Unlock()

	switch f := ev.Frame.(type) {
	case *frames.UserStoppedSpeakingFrame:
		m.MarkSpeechEnd()
	case *frames.TranscriptionFrame:
		m.MarkTranscript()
	case *frames.LLMFullResponseStartFrame, *frames.TextFrame:
		m.MarkFirstToken()
	case *frames.OutputAudioRawFrame:
		m.MarkFirstAudio()
		m.IncrementAudioOut()
	case *frames.BotStoppedSpeakingFrame:
		m.MarkResponseDone()
	case *frames.MetricsFrame:
		m.addUsage(f.Data)
	}
}

// MarkSpeechEnd starts a new turn.
func (m *MetricsCollector) MarkSpeechEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Metrics{SpeechEndTime: m.now()}
}

// MarkTranscript records when the final transcript arrived.
func (m *MetricsCollector) MarkTranscript() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.TranscriptTime = m.now()
	if !m.current.SpeechEndTime.IsZero() && m.current.TranscriptTime.After(m.current.SpeechEndTime) {
		m.current.ASRLatency = m.current.TranscriptTime.Sub(m.current.SpeechEndTime)
	}
	m.notify()
}

// MarkFirstToken records the first LLM output of the turn.
func (m *MetricsCollector) MarkFirstToken() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.FirstTokenTime.IsZero() {
		return
	}
	m.current.FirstTokenTime = m.now()
	if !m.current.SpeechEndTime.IsZero() {
		m.current.LLMFirstToken = m.current.FirstTokenTime.Sub(m.current.SpeechEndTime)
	}
	m.notify()
}

// MarkFirstAudio records the first synthesized audio of the turn.
func (m *MetricsCollector) MarkFirstAudio() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.FirstAudioTime.IsZero() {
		return
	}
	m.current.FirstAudioTime = m.now()
	if !m.current.SpeechEndTime.IsZero() {
		m.current.TTSFirstAudio = m.current.FirstAudioTime.Sub(m.current.SpeechEndTime)
	}
	m.notify()
}

// MarkResponseDone archives the turn.
func (m *MetricsCollector) MarkResponseDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ResponseDoneTime = m.now()
	if !m.current.SpeechEndTime.IsZero() {
		m.current.TotalLatency = m.current.ResponseDoneTime.Sub(m.current.SpeechEndTime)
	}
	m.history = append(m.history, m.current)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
	if m.onTurn != nil {
		go m.onTurn(m.current)
	}
	m.notify()
	m.current = Metrics{}
}

// IncrementAudioOut counts one output audio chunk.
func (m *MetricsCollector) IncrementAudioOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.AudioChunksOut++
}

func (m *MetricsCollector) addUsage(data []frames.MetricsData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range data {
		switch d.Kind {
		case frames.MetricLLMUsage:
			if d.Usage != nil {
				m.current.PromptTokens += d.Usage.PromptTokens
				m.current.CompletionTokens += d.Usage.CompletionTokens
			}
		case frames.MetricTTSUsage:
			m.current.TTSCharacters += d.Characters
		}
	}
}

// Current returns the current turn snapshot.
func (m *MetricsCollector) Current() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns archived turns, oldest first.
func (m *MetricsCollector) History() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Metrics(nil), m.history...)
}

// Average returns the mean latencies over archived turns.
func (m *MetricsCollector) Average() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avg Metrics
	if len(m.history) == 0 {
		return avg
	}
	for _, h := range m.history {
		avg.ASRLatency += h.ASRLatency
		avg.LLMFirstToken += h.LLMFirstToken
		avg.TTSFirstAudio += h.TTSFirstAudio
		avg.TotalLatency += h.TotalLatency
	}
	n := time.Duration(len(m.history))
	avg.ASRLatency /= n
	avg.LLMFirstToken /= n
	avg.TTSFirstAudio /= n
	avg.TotalLatency /= n
	return avg
}

// notify must be called with the mutex held.
func (m *MetricsCollector) notify() {
	if m.onUpdate != nil {
		snapshot := m.current
		go m.onUpdate(snapshot)
	}
}

// FormatLatency returns a one-line latency summary.
func (m Metrics) FormatLatency() string {
	return formatDuration(m.ASRLatency) + " ASR | " +
		formatDuration(m.LLMFirstToken) + " LLM | " +
		formatDuration(m.TTSFirstAudio) + " TTS | " +
		formatDuration(m.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

var _ pipeline.Observer = (*MetricsCollector)(nil)
