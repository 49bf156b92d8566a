// Package metrics exposes prometheus collectors for bot sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sandbox_bot"

// Collector holds the session collectors on its own registry.
type Collector struct {
	registry *prometheus.Registry

	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	sessionDuration prometheus.Histogram
	fallbacks       *prometheus.CounterVec
	toolCalls       *prometheus.CounterVec
	ttfb            *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	ttsCharacters   *prometheus.CounterVec
}

// NewCollector registers the collectors, plus the go and process
// collectors, on a fresh registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started, by requested and built mode",
		}, []string{"mode", "effective_mode"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended, by final status",
		}, []string{"status"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently running",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Provider substitutions made while building pipelines",
		}, []string{"from", "to"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Completed function calls, by function",
		}, []string{"function"}),
		ttfb: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ttfb_seconds",
			Help:      "Time to first byte per processor",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"processor"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "LLM tokens used",
		}, []string{"model", "type"}),
		ttsCharacters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_characters_total",
			Help:      "Characters sent to TTS",
		}, []string{"processor"}),
	}
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SessionStarted counts a started session and its fallbacks.
func (c *Collector) SessionStarted(mode, effectiveMode string) {
	c.sessionsStarted.WithLabelValues(mode, effectiveMode).Inc()
	c.sessionsActive.Inc()
}

// SessionEnded records the end of a session started with SessionStarted.
func (c *Collector) SessionEnded(status string, d time.Duration) {
	c.sessionsEnded.WithLabelValues(status).Inc()
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(d.Seconds())
}

// Fallback counts one provider substitution.
func (c *Collector) Fallback(from, to string) {
	c.fallbacks.WithLabelValues(from, to).Inc()
}

// ToolCall counts one completed function call.
func (c *Collector) ToolCall(function string) {
	if function == "" {
		function = "unknown"
	}
	c.toolCalls.WithLabelValues(function).Inc()
}

// TTFB observes a time to first byte in seconds.
func (c *Collector) TTFB(processor string, seconds float64) {
	c.ttfb.WithLabelValues(processor).Observe(seconds)
}

// Tokens adds LLM token usage.
func (c *Collector) Tokens(model string, prompt, completion int) {
	c.tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	c.tokens.WithLabelValues(model, "completion").Add(float64(completion))
}

// TTSCharacters adds characters sent to TTS.
func (c *Collector) TTSCharacters(processor string, n int) {
	c.ttsCharacters.WithLabelValues(processor).Add(float64(n))
}
