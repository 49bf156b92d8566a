// Package bot assembles and runs one voice session: it picks providers from
// the session config, builds the stage list for the requested mode and runs
// the resulting task on a WebRTC transport until the client leaves.
package bot

import (
	"strings"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

// Mode selects the pipeline shape.
type Mode string

const (
	// ModeThreeTier chains separate STT, LLM and TTS services.
	ModeThreeTier Mode = "three_tier"
	// ModeS2S uses one speech-to-speech service.
	ModeS2S Mode = "s2s"
)

// ParseMode maps name to a mode. "speech_to_speech" is accepted for s2s;
// anything else is three_tier.
func ParseMode(name string) Mode {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case string(ModeS2S), "speech_to_speech":
		return ModeS2S
	}
	return ModeThreeTier
}

// Config keys.
const (
	KeyMode           = "mode"
	KeySTTProvider    = "stt_provider"
	KeyLLMProvider    = "llm_provider"
	KeyTTSProvider    = "tts_provider"
	KeyS2SProvider    = "s2s_provider"
	KeySystemPrompt   = "system_prompt"
	KeyActivityPrompt = "activity_prompt"
)

// SessionConfig is the per-session selection of mode, providers and prompts.
type SessionConfig struct {
	Mode           Mode
	STT            voice.STTKind
	LLM            voice.LLMKind
	TTS            voice.TTSKind
	S2S            voice.S2SKind
	SystemPrompt   string
	ActivityPrompt string
}

// DefaultSessionConfig returns three_tier with every role on its default.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Mode: ModeThreeTier,
		STT:  voice.DefaultSTT,
		LLM:  voice.DefaultLLM,
		TTS:  voice.DefaultTTS,
		S2S:  voice.DefaultS2S,
	}
}

// ParseConfig reads a session config from m. Unknown keys and non-string
// values are ignored; unknown provider names fall back to the role default.
func ParseConfig(m map[string]any) SessionConfig {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	return SessionConfig{
		Mode:           ParseMode(str(KeyMode)),
		STT:            voice.ParseSTT(str(KeySTTProvider)),
		LLM:            voice.ParseLLM(str(KeyLLMProvider)),
		TTS:            voice.ParseTTS(str(KeyTTSProvider)),
		S2S:            voice.ParseS2S(str(KeyS2SProvider)),
		SystemPrompt:   str(KeySystemPrompt),
		ActivityPrompt: str(KeyActivityPrompt),
	}
}

// AudioOutChunks returns how many 10 ms blocks the transport writes at once.
// Speech-to-speech audio arrives in larger bursts and plays smoother in
// 40 ms writes.
func AudioOutChunks(mode Mode) int {
	if mode == ModeS2S {
		return 4
	}
	return 2
}
