// Package server is the HTTP front of the sandbox bot. It answers WebRTC
// offers, launches one bot session per peer connection and exposes the
// session registry, provider catalog, metrics and a live event feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ashutosh7i/Pipecat-sandbox/pkg/bot"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/hub"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/metrics"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/sessions"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/transport"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
)

// Options configures a Server. Builder is required; other fields default.
type Options struct {
	Builder      *bot.Builder
	Registry     *voice.Registry
	Store        sessions.Store
	Metrics      *metrics.Collector
	Hub          *hub.Hub
	ICEServers   []string
	AllowOrigins string
	IdleTimeout  time.Duration
	// PendingTTL bounds how long a /start config waits for its offer.
	PendingTTL time.Duration
	// RequestLogging logs every request with fiber's logger middleware.
	RequestLogging bool
	Logger         *slog.Logger
}

// DefaultPendingTTL is how long a started session waits for an offer.
const DefaultPendingTTL = 2 * time.Minute

// Server serves the signaling API and owns the running sessions.
type Server struct {
	opts   Options
	app    *fiber.App
	logger *slog.Logger

	// ctx parents every session; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[string]*transport.Connection
	pending map[string]pendingStart
}

// New creates a server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Builder == nil {
		return nil, errors.New("server: builder is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = voice.NewRegistry()
	}
	if opts.Store == nil {
		opts.Store = sessions.NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector("")
	}
	if opts.AllowOrigins == "" {
		opts.AllowOrigins = "*"
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = bot.DefaultIdleTimeout
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		logger:  opts.Logger.With("component", "server"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*transport.Connection),
		pending: make(map[string]pendingStart),
	}
	if s.opts.Hub == nil {
		s.opts.Hub = hub.New("events", opts.Logger)
		go s.opts.Hub.Run(ctx)
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "Sandbox Bot",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: opts.AllowOrigins,
		AllowMethods: "GET,POST,PATCH,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if opts.RequestLogging {
		s.app.Use(logger.New())
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.opts.Metrics.Handler()))
	s.app.Use("/ws", hub.Upgrade)
	s.app.Get("/ws/events", s.opts.Hub.Handler())

	s.app.Post("/start", s.handleStart)
	s.app.Post("/sessions/:sid/api/offer", s.handleOffer)
	s.app.Patch("/sessions/:sid/api/offer", s.handleICE)

	api := s.app.Group("/api")
	api.Post("/start", s.handleStart)
	api.Post("/offer", s.handleOffer)
	api.Patch("/offer", s.handleICE)
	api.Get("/providers", s.handleProviders)
	api.Get("/sessions", s.handleListSessions)
	api.Get("/sessions/:id", s.handleGetSession)
}

// App returns the fiber app, for tests and custom listeners.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, cancels running sessions and waits for
// them to finish or ctx to end. The store is left open.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// ActiveSessions returns the number of peer connections with a running bot.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":      "ok",
		"sessions":    s.ActiveSessions(),
		"subscribers": s.opts.Hub.ClientCount(),
	})
}

func (s *Server) handleProviders(c *fiber.Ctx) error {
	catalog := voice.Catalog()
	type provider struct {
		voice.Info
		Available bool `json:"available"`
	}
	out := make([]provider, 0, len(catalog))
	for _, info := range catalog {
		out = append(out, provider{Info: info, Available: s.opts.Registry.IsAvailable(info.Kind)})
	}
	return c.JSON(fiber.Map{
		"modes":     []bot.Mode{bot.ModeThreeTier, bot.ModeS2S},
		"providers": out,
	})
}

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	list, err := s.opts.Store.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"sessions": list, "count": len(list)})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	sess, err := s.opts.Store.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, sessions.ErrNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(sess)
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
