// Package voice selects the speech providers used by a session.
//
// Each pipeline role has a closed set of provider kinds:
//
//   - STT: deepgram (default), soniox
//   - LLM: openai (default), gemini, grok
//   - TTS: cartesia
//   - S2S: openai_realtime (default), gemini_live
//
// Parse functions map free-form names from a session config onto a kind and
// fall back to the role default for anything unrecognised. A Factory builds
// the services for a kind using credentials injected once at startup, and a
// Registry reports whether an optional provider is available in this
// deployment.
//
// # Usage
//
//	kind := voice.ParseS2S(cfg["s2s_provider"])
//	if !registry.IsAvailable(string(kind)) {
//	    // fall back
//	}
//	svc, err := factory.NewRealtime(kind, voice.RealtimeOptions{
//	    Instructions: systemMessage,
//	    Tools:        tools.SandboxTools(),
//	})
//
// # Latency Metrics
//
// MetricsCollector observes a running pipeline and reports per-turn
// latency from the moment the user stops speaking:
//
//	collector := voice.NewMetricsCollector()
//	task := pipeline.NewTask(p, params, pipeline.WithObservers(collector))
//	collector.OnUpdate(func(m voice.Metrics) {
//	    log.Info("turn latency", "summary", m.FormatLatency())
//	})
package voice
