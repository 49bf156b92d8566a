package server

import (
	"context"
	"errors"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/bot"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/rtvi"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/sessions"
)

// Event types published on /ws/events.
const (
	EventSessionStarted = "session.started"
	EventSessionMessage = "session.message"
	EventSessionEnded   = "session.ended"
	EventSessionFailed  = "session.failed"
)

// Event is one entry of the live event feed.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

func (s *Server) broadcast(typ, id string, data any) {
	ev := Event{Type: typ, SessionID: id, Time: time.Now().UTC(), Data: data}
	if err := s.opts.Hub.BroadcastJSON(ev); err != nil {
		s.logger.Warn("broadcast event", "type", typ, "error", err)
	}
}

var _ bot.Listener = (*Server)(nil)

// SessionStarted implements bot.Listener.
func (s *Server) SessionStarted(ctx context.Context, info bot.SessionInfo) {
	sess := &sessions.Session{
		ID:        info.ID,
		Mode:      string(info.Config.Mode),
		Providers: make(map[string]string),
		Status:    sessions.StatusRunning,
		StartedAt: info.StartedAt,
	}
	if asm := info.Assembly; asm != nil {
		sess.EffectiveMode = string(asm.Mode)
		for role, kind := range asm.Providers {
			sess.Providers[string(role)] = kind
		}
		for _, fb := range asm.Fallbacks {
			sess.Fallbacks = append(sess.Fallbacks, sessions.Fallback{From: fb.From, To: fb.To, Reason: fb.Reason})
			s.opts.Metrics.Fallback(fb.From, fb.To)
		}
	}

	if err := s.opts.Store.Create(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.Warn("record session", "pc_id", info.ID, "error", err)
	}
	s.opts.Metrics.SessionStarted(sess.Mode, sess.EffectiveMode)
	s.broadcast(EventSessionStarted, info.ID, sess)
}

// SessionMessage implements bot.Listener. Usage metrics and completed
// function calls are added to the session record.
func (s *Server) SessionMessage(ctx context.Context, id string, msg rtvi.Message) {
	var delta sessions.Usage
	switch msg.Type {
	case rtvi.TypeMetrics:
		m, ok := msg.Data.(rtvi.Metrics)
		if !ok {
			break
		}
		for _, e := range m.TTFB {
			s.opts.Metrics.TTFB(e.Processor, e.Value)
		}
		for _, e := range m.LLMUsage {
			s.opts.Metrics.Tokens(e.Model, e.Value.PromptTokens, e.Value.CompletionTokens)
			delta.PromptTokens += e.Value.PromptTokens
			delta.CompletionTokens += e.Value.CompletionTokens
			delta.TotalTokens += e.Value.TotalTokens
		}
		for _, e := range m.Characters {
			s.opts.Metrics.TTSCharacters(e.Processor, e.Value)
			delta.TTSCharacters += e.Value
		}
	case rtvi.TypeFunctionCallResult:
		var name string
		if data, ok := msg.Data.(map[string]any); ok {
			name, _ = data["function_name"].(string)
		}
		s.opts.Metrics.ToolCall(name)
		delta.ToolCalls++
	}

	if delta != (sessions.Usage{}) {
		err := sessions.Modify(context.WithoutCancel(ctx), s.opts.Store, id, func(sess *sessions.Session) {
			sess.Usage.PromptTokens += delta.PromptTokens
			sess.Usage.CompletionTokens += delta.CompletionTokens
			sess.Usage.TotalTokens += delta.TotalTokens
			sess.Usage.TTSCharacters += delta.TTSCharacters
			sess.Usage.ToolCalls += delta.ToolCalls
		})
		if err != nil {
			s.logger.Warn("update session usage", "pc_id", id, "error", err)
		}
	}
	s.broadcast(EventSessionMessage, id, msg)
}

// SessionEnded implements bot.Listener. Cancellation by shutdown counts as
// a normal end.
func (s *Server) SessionEnded(ctx context.Context, id string, err error) {
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	now := time.Now()
	var ended *sessions.Session
	merr := sessions.Modify(ctx, s.opts.Store, id, func(sess *sessions.Session) {
		sess.End(now, err)
		ended = sess
	})
	if merr != nil {
		s.logger.Warn("record session end", "pc_id", id, "error", merr)
	}

	status, duration := sessions.StatusEnded, time.Duration(0)
	if err != nil {
		status = sessions.StatusFailed
	}
	if ended != nil {
		duration = ended.Duration()
	}
	s.opts.Metrics.SessionEnded(string(status), duration)
	s.broadcast(EventSessionEnded, id, ended)
}
