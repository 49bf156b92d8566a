package frames

import "time"

// MetricKind identifies what a MetricsData entry measures.
type MetricKind string

const (
	MetricTTFB       MetricKind = "ttfb"
	MetricProcessing MetricKind = "processing"
	MetricLLMUsage   MetricKind = "llm_usage"
	MetricTTSUsage   MetricKind = "tts_usage"
)

// LLMUsage holds token counts for one LLM call.
type LLMUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MetricsData is one measurement from one processor.
type MetricsData struct {
	Kind       MetricKind
	Processor  string
	Model      string
	Value      time.Duration
	Usage      *LLMUsage
	Characters int
}

// MetricsFrame carries measurements emitted when metrics are enabled.
type MetricsFrame struct {
	Meta
	Data []MetricsData
}

func (MetricsFrame) FrameName() string { return "MetricsFrame" }
