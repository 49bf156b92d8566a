package voice

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned while selecting providers.
var (
	ErrUnknownProvider     = errors.New("voice: unknown provider")
	ErrProviderUnavailable = errors.New("voice: provider unavailable")
	ErrMissingAPIKey       = errors.New("voice: missing API key")
)

// Role is a pipeline role a provider fills.
type Role string

const (
	RoleSTT Role = "stt"
	RoleLLM Role = "llm"
	RoleTTS Role = "tts"
	RoleS2S Role = "s2s"
)

// STTKind identifies a speech-to-text provider.
type STTKind string

const (
	STTDeepgram STTKind = "deepgram"
	STTSoniox   STTKind = "soniox"
)

// LLMKind identifies a text LLM provider.
type LLMKind string

const (
	LLMOpenAI LLMKind = "openai"
	LLMGemini LLMKind = "gemini"
	LLMGrok   LLMKind = "grok"
)

// TTSKind identifies a text-to-speech provider.
type TTSKind string

const (
	TTSCartesia TTSKind = "cartesia"
)

// S2SKind identifies a speech-to-speech provider.
type S2SKind string

const (
	S2SOpenAIRealtime S2SKind = "openai_realtime"
	S2SGeminiLive     S2SKind = "gemini_live"
)

// Role defaults.
const (
	DefaultSTT = STTDeepgram
	DefaultLLM = LLMOpenAI
	DefaultTTS = TTSCartesia
	DefaultS2S = S2SOpenAIRealtime
)

// Default models and voices.
const (
	DeepgramModel       = "nova-3-general"
	SonioxModel         = "stt-rt-v4"
	OpenAIModel         = "gpt-4.1"
	GeminiModel         = "gemini-2.0-flash"
	GrokModel           = "grok-3-beta"
	CartesiaModel       = "sonic-3"
	CartesiaVoiceID     = "79a125e8-cd45-4c13-8a67-188112f4dd22"
	OpenAIRealtimeModel = "gpt-4o-realtime-preview"
	OpenAIRealtimeVoice = "alloy"
	GeminiLiveModel     = "models/gemini-2.5-flash-native-audio-preview-12-2025"
	GeminiLiveVoice     = "Charon"
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseSTT maps name to an STT kind, defaulting to Deepgram.
func ParseSTT(name string) STTKind {
	switch k := STTKind(normalize(name)); k {
	case STTDeepgram, STTSoniox:
		return k
	}
	return DefaultSTT
}

// ParseLLM maps name to an LLM kind, defaulting to OpenAI.
func ParseLLM(name string) LLMKind {
	switch k := LLMKind(normalize(name)); k {
	case LLMOpenAI, LLMGemini, LLMGrok:
		return k
	}
	return DefaultLLM
}

// ParseTTS maps name to a TTS kind. Cartesia is the only option.
func ParseTTS(name string) TTSKind {
	return DefaultTTS
}

// ParseS2S maps name to a speech-to-speech kind, defaulting to OpenAI Realtime.
func ParseS2S(name string) S2SKind {
	switch k := S2SKind(normalize(name)); k {
	case S2SOpenAIRealtime, S2SGeminiLive:
		return k
	}
	return DefaultS2S
}

// Info describes one selectable provider.
type Info struct {
	Role    Role   `json:"role"`
	Kind    string `json:"kind"`
	Label   string `json:"label"`
	Model   string `json:"model"`
	Default bool   `json:"default"`
}

// Catalog lists every provider the sandbox can build, grouped by role.
func Catalog() []Info {
	return []Info{
		{RoleSTT, string(STTDeepgram), "Deepgram", DeepgramModel, true},
		{RoleSTT, string(STTSoniox), "Soniox", SonioxModel, false},
		{RoleLLM, string(LLMOpenAI), "OpenAI", OpenAIModel, true},
		{RoleLLM, string(LLMGemini), "Google Gemini", GeminiModel, false},
		{RoleLLM, string(LLMGrok), "xAI Grok", GrokModel, false},
		{RoleTTS, string(TTSCartesia), "Cartesia", CartesiaModel, true},
		{RoleS2S, string(S2SOpenAIRealtime), "OpenAI Realtime", OpenAIRealtimeModel, true},
		{RoleS2S, string(S2SGeminiLive), "Gemini Live", GeminiLiveModel, false},
	}
}

// ProviderError wraps a failure to build a provider service.
type ProviderError struct {
	Role Role
	Kind string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("voice: %s provider %q: %v", e.Role, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
