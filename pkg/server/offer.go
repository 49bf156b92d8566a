package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/bot"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/sessions"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/transport"
)

// offerTimeout bounds answering one offer, ICE gathering included.
const offerTimeout = 15 * time.Second

type pendingStart struct {
	config  map[string]any
	expires time.Time
}

type iceServer struct {
	URLs []string `json:"urls"`
}

type iceConfig struct {
	ICEServers []iceServer `json:"iceServers"`
}

type startResponse struct {
	SessionID string     `json:"sessionId"`
	ICEConfig *iceConfig `json:"iceConfig,omitempty"`
}

// handleStart stores a session config for a later offer. The body is either
// {"body": config, "enableDefaultIceServers": bool} or the config itself.
func (s *Server) handleStart(c *fiber.Ctx) error {
	var req map[string]any
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
	}
	cfg := req
	if body, ok := req["body"].(map[string]any); ok {
		cfg = body
	}
	withICE, _ := req["enableDefaultIceServers"].(bool)

	id := uuid.NewString()
	s.mu.Lock()
	s.prunePending(time.Now())
	s.pending[id] = pendingStart{config: cfg, expires: time.Now().Add(s.opts.PendingTTL)}
	s.mu.Unlock()

	resp := startResponse{SessionID: id}
	if withICE {
		resp.ICEConfig = &iceConfig{ICEServers: []iceServer{{URLs: s.opts.ICEServers}}}
	}
	s.logger.Info("session started, waiting for offer", "session_id", id)
	return c.JSON(resp)
}

// prunePending drops expired starts. Callers hold s.mu.
func (s *Server) prunePending(now time.Time) {
	for id, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, id)
		}
	}
}

func (s *Server) takePending(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunePending(time.Now())
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p.config, ok
}

type offerRequest struct {
	SDP         string         `json:"sdp"`
	Type        string         `json:"type"`
	PCID        string         `json:"pc_id"`
	RestartPC   bool           `json:"restart_pc"`
	RequestData map[string]any `json:"request_data"`
}

type offerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
	PCID string `json:"pc_id"`
}

// handleOffer answers an SDP offer. A known pc_id renegotiates the existing
// connection unless restart_pc is set; otherwise a new connection is created
// and a bot session is launched on it.
func (s *Server) handleOffer(c *fiber.Ctx) error {
	var req offerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	if req.SDP == "" || req.Type != webrtc.SDPTypeOffer.String() {
		return fiber.NewError(fiber.StatusBadRequest, "expected an SDP offer")
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}

	ctx, cancel := context.WithTimeout(c.UserContext(), offerTimeout)
	defer cancel()

	if req.PCID != "" {
		if conn := s.connection(req.PCID); conn != nil {
			if !req.RestartPC {
				s.logger.Info("renegotiating connection", "pc_id", req.PCID)
				answer, err := conn.Answer(ctx, offer)
				if err != nil {
					return fiber.NewError(fiber.StatusBadRequest, err.Error())
				}
				return c.JSON(offerResponse{SDP: answer.SDP, Type: answer.Type.String(), PCID: conn.ID()})
			}
			s.logger.Info("restarting connection", "pc_id", req.PCID)
			conn.Close()
		}
	}

	cfg := req.RequestData
	if sid := c.Params("sid"); sid != "" {
		pending, ok := s.takePending(sid)
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown or expired session")
		}
		cfg = pending
	}

	conn, err := transport.NewConnection(transport.ConnectionConfig{
		ICEServers: s.opts.ICEServers,
		Logger:     s.opts.Logger,
	})
	if err != nil {
		return err
	}
	answer, err := conn.Answer(ctx, offer)
	if err != nil {
		conn.Close()
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runSession(conn, cfg)

	return c.JSON(offerResponse{SDP: answer.SDP, Type: answer.Type.String(), PCID: conn.ID()})
}

type iceRequest struct {
	PCID       string `json:"pc_id"`
	Candidates []struct {
		Candidate     string  `json:"candidate"`
		SDPMid        *string `json:"sdp_mid"`
		SDPMLineIndex *uint16 `json:"sdp_mline_index"`
	} `json:"candidates"`
}

// handleICE adds trickled ICE candidates to a connection.
func (s *Server) handleICE(c *fiber.Ctx) error {
	var req iceRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	conn := s.connection(req.PCID)
	if conn == nil {
		return fiber.NewError(fiber.StatusNotFound, "unknown pc_id")
	}
	cands := make([]transport.ICECandidate, 0, len(req.Candidates))
	for _, cand := range req.Candidates {
		cands = append(cands, transport.ICECandidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		})
	}
	if err := conn.AddICECandidates(cands); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(fiber.Map{"status": "success"})
}

func (s *Server) connection(id string) *transport.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

// runSession runs the bot on conn until the session ends.
func (s *Server) runSession(conn *transport.Connection, cfg map[string]any) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn.ID())
		s.mu.Unlock()
	}()

	tf := func(p transport.Params) (transport.Transport, error) {
		return transport.NewSmallWebRTC(conn, p, transport.WithLogger(s.opts.Logger)), nil
	}
	r := bot.NewRunner(s.opts.Builder, tf,
		bot.WithLogger(s.opts.Logger),
		bot.WithIdleTimeout(s.opts.IdleTimeout),
		bot.WithListener(s),
	)

	err := r.Run(s.ctx, cfg)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("session failed", "pc_id", conn.ID(), "error", err)

	// Sessions that failed before starting have no record yet.
	ctx := context.WithoutCancel(s.ctx)
	if _, gerr := s.opts.Store.Get(ctx, conn.ID()); !errors.Is(gerr, sessions.ErrNotFound) {
		return
	}
	now := time.Now()
	sess := &sessions.Session{
		ID:        conn.ID(),
		Mode:      string(bot.ParseConfig(cfg).Mode),
		StartedAt: now,
	}
	sess.End(now, err)
	if cerr := s.opts.Store.Create(ctx, sess); cerr != nil {
		s.logger.Warn("record failed session", "pc_id", conn.ID(), "error", cerr)
	}
	s.broadcast(EventSessionFailed, conn.ID(), sess)
}
