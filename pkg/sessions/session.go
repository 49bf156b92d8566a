// Package sessions records the bot sessions launched by the server.
//
// A Store keeps one Session per peer connection. The memory driver serves a
// single process; the redis driver lets several server replicas share the
// registry and expires finished sessions after a TTL.
package sessions

import (
	"errors"
	"time"
)

// Errors returned by stores.
var (
	ErrNotFound         = errors.New("sessions: not found")
	ErrExists           = errors.New("sessions: already exists")
	ErrVersionConflict  = errors.New("sessions: version conflict")
	ErrInvalidConfig    = errors.New("sessions: invalid store config")
	ErrInvalidStoreType = errors.New("sessions: invalid store type")
	ErrClosed           = errors.New("sessions: store closed")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusEnded   Status = "ended"
	StatusFailed  Status = "failed"
)

// Fallback is a provider substitution made while building the pipeline.
type Fallback struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Usage accumulates the usage metrics reported during a session.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	TTSCharacters    int `json:"tts_characters"`
	ToolCalls        int `json:"tool_calls"`
}

// Session is one launched bot session.
type Session struct {
	ID string `json:"id"`
	// Mode is the requested mode; EffectiveMode is what was built.
	Mode          string            `json:"mode"`
	EffectiveMode string            `json:"effective_mode"`
	Providers     map[string]string `json:"providers"`
	Fallbacks     []Fallback        `json:"fallbacks,omitempty"`
	Status        Status            `json:"status"`
	Error         string            `json:"error,omitempty"`
	Usage         Usage             `json:"usage"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Version       int64             `json:"version"`
}

// Duration returns how long the session ran, or has run so far.
func (s *Session) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// End marks the session finished. A nil err means it ended normally.
func (s *Session) End(at time.Time, err error) {
	s.EndedAt = &at
	if err != nil {
		s.Status = StatusFailed
		s.Error = err.Error()
		return
	}
	s.Status = StatusEnded
}

func (s *Session) clone() *Session {
	c := *s
	if s.Providers != nil {
		c.Providers = make(map[string]string, len(s.Providers))
		for k, v := range s.Providers {
			c.Providers[k] = v
		}
	}
	c.Fallbacks = append([]Fallback(nil), s.Fallbacks...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
