package voice

// Credentials holds provider API keys read once at process start. Keys are
// not validated; a missing key surfaces when the service connects.
type Credentials struct {
	Deepgram string
	Soniox   string
	OpenAI   string
	Google   string
	XAI      string
	Cartesia string
}

// STTKey returns the key used by an STT provider.
func (c Credentials) STTKey(k STTKind) string {
	if k == STTSoniox {
		return c.Soniox
	}
	return c.Deepgram
}

// LLMKey returns the key used by an LLM provider.
func (c Credentials) LLMKey(k LLMKind) string {
	switch k {
	case LLMGemini:
		return c.Google
	case LLMGrok:
		return c.XAI
	default:
		return c.OpenAI
	}
}

// TTSKey returns the key used by a TTS provider.
func (c Credentials) TTSKey(TTSKind) string {
	return c.Cartesia
}

// S2SKey returns the key used by a speech-to-speech provider.
func (c Credentials) S2SKey(k S2SKind) string {
	if k == S2SGeminiLive {
		return c.Google
	}
	return c.OpenAI
}

// Present reports which keys are set, by environment variable name.
// Values are never included.
func (c Credentials) Present() map[string]bool {
	return map[string]bool{
		"DEEPGRAM_API_KEY": c.Deepgram != "",
		"SONIOX_API_KEY":   c.Soniox != "",
		"OPENAI_API_KEY":   c.OpenAI != "",
		"GOOGLE_API_KEY":   c.Google != "",
		"XAI_API_KEY":      c.XAI != "",
		"CARTESIA_API_KEY": c.Cartesia != "",
	}
}
