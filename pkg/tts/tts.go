// Package tts turns assistant text into speech for the three-tier pipeline.
//
// A Provider talks to a synthesis API and returns raw PCM. Service wraps a
// Provider as a pipeline stage: it splits streamed LLM text into sentences,
// synthesizes each one and pushes the audio downstream to the transport.
//
//	provider, _ := tts.NewCartesia(
//	    tts.WithAPIKey(os.Getenv("CARTESIA_API_KEY")),
//	    tts.WithVoice(voice.CartesiaVoiceID),
//	)
//	svc := tts.NewService(provider)
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete audio buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Stream converts text to audio, returning chunks as they arrive.
	Stream(ctx context.Context, text string) (AudioStream, error)

	// Health checks provider connectivity and API key validity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioStream represents a streaming audio response.
// Callers should read until Read returns nil, then call Close.
type AudioStream interface {
	// Read returns the next audio chunk, or nil when the stream is complete.
	Read() ([]byte, error)

	Close() error

	Format() AudioFormat
}

// AudioResult represents a complete synthesis result.
type AudioResult struct {
	Audio     []byte
	Format    AudioFormat
	Duration  time.Duration
	CharCount int

	// LatencyMs is the time to first byte in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerSecond returns the PCM byte rate, or 0 for unknown formats.
func (f AudioFormat) BytesPerSecond() int {
	if f.BitDepth == 0 || f.Channels == 0 {
		return 0
	}
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Encoding is the raw sample encoding requested from a provider.
type Encoding string

const (
	EncodingPCMS16LE Encoding = "pcm_s16le"
	EncodingPCMF32LE Encoding = "pcm_f32le"
	EncodingMulaw    Encoding = "pcm_mulaw"
)

// DefaultSampleRate matches the output rate of the WebRTC transport.
const DefaultSampleRate = 24000

// pcmFormat is the format of 16-bit mono PCM at rate.
func pcmFormat(rate int) AudioFormat {
	return AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: rate, Channels: 1, BitDepth: 16}
}

// bufferStream wraps a byte slice as an AudioStream.
type bufferStream struct {
	data      []byte
	offset    int
	chunkSize int
	format    AudioFormat
}

func (s *bufferStream) Read() ([]byte, error) {
	if s.offset >= len(s.data) {
		return nil, nil
	}
	end := len(s.data)
	if s.chunkSize > 0 && s.offset+s.chunkSize < end {
		end = s.offset + s.chunkSize
	}
	chunk := s.data[s.offset:end]
	s.offset = end
	return chunk, nil
}

func (s *bufferStream) Close() error { return nil }

func (s *bufferStream) Format() AudioFormat { return s.format }
