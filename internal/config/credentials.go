// Package config loads process configuration for the sandbox bot.
//
// Credentials and server settings are read once at startup and passed down
// explicitly. Nothing below cmd/ reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

// Environment variables holding provider credentials.
const (
	EnvDeepgramKey = "DEEPGRAM_API_KEY"
	EnvSonioxKey   = "SONIOX_API_KEY"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvGoogleKey   = "GOOGLE_API_KEY"
	EnvXAIKey      = "XAI_API_KEY"
	EnvCartesiaKey = "CARTESIA_API_KEY"
)

// LoadDotEnv loads the given .env files (default ".env"), overriding
// variables already present in the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Overload(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// LoadCredentials reads provider API keys from the environment.
// Keys are not validated; services fail when they connect.
func LoadCredentials() voice.Credentials {
	return voice.Credentials{
		Deepgram: env(EnvDeepgramKey),
		Soniox:   env(EnvSonioxKey),
		OpenAI:   env(EnvOpenAIKey),
		Google:   env(EnvGoogleKey),
		XAI:      env(EnvXAIKey),
		Cartesia: env(EnvCartesiaKey),
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
