package voice

import (
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/pipeline"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/tools"
)

// Service is a pipeline stage backed by a remote provider.
type Service interface {
	pipeline.Processor
	Model() string
}

// FunctionCaller is a service that can invoke tool handlers.
type FunctionCaller interface {
	RegisterFunction(name string, h tools.Handler)
}

// STTService transcribes user audio.
type STTService interface {
	Service
}

// LLMService generates replies from an LLM context and calls tools.
type LLMService interface {
	Service
	FunctionCaller
}

// TTSService synthesizes assistant text.
type TTSService interface {
	Service
	Voice() string
}

// RealtimeService consumes user audio and produces assistant audio directly.
type RealtimeService interface {
	Service
	FunctionCaller
	Voice() string
}

// RealtimeOptions configures a speech-to-speech session.
type RealtimeOptions struct {
	Instructions string
	Tools        tools.ToolsSchema
}

// Factory builds provider services for a session.
type Factory interface {
	NewSTT(kind STTKind) (STTService, error)
	NewLLM(kind LLMKind) (LLMService, error)
	NewTTS(kind TTSKind) (TTSService, error)
	NewRealtime(kind S2SKind, opts RealtimeOptions) (RealtimeService, error)
	Credentials() Credentials
}

// RegisterTools registers every handler in reg on svc.
func RegisterTools(svc FunctionCaller, reg *tools.Registry) {
	for _, name := range reg.Names() {
		h, _ := reg.Handler(name)
		svc.RegisterFunction(name, h)
	}
}
