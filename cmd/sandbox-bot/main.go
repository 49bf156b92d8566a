// sandbox-bot: voice assistant sandbox server.
// Answers WebRTC offers and runs one bot pipeline per connected client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashutosh7i/Pipecat-sandbox/internal/config"
	"github.com/ashutosh7i/Pipecat-sandbox/internal/log"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/bot"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/hub"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/metrics"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/server"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/sessions"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice"
	"github.com/ashutosh7i/Pipecat-sandbox/pkg/voice/bundled"
)

var version = "0.1.0"

var (
	configPath  = flag.String("config", "", "Optional YAML server config")
	envFile     = flag.String("env", ".env", "Dotenv file with provider API keys")
	host        = flag.String("host", "", "Listen host (overrides config)")
	port        = flag.Int("port", 0, "Listen port (overrides config)")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	idleTimeout = flag.Duration("idle-timeout", bot.DefaultIdleTimeout, "End sessions idle for this long")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox-bot:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(*envFile); err != nil {
		return err
	}
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(cfg.LogLevel)
	logger := log.L()
	logger.Info("starting sandbox bot", "version", version, "addr", cfg.Addr())

	creds := config.LoadCredentials()
	for name, ok := range creds.Present() {
		if !ok {
			logger.Warn("provider credential not set", "env", name)
		}
	}

	store, err := sessions.Open(cfg.SessionStore, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	registry := voice.NewRegistry(cfg.DisabledProviders...)
	if d := registry.Disabled(); len(d) > 0 {
		logger.Info("providers disabled", "providers", d)
	}
	factory := bundled.NewFactory(creds, bundled.WithLogger(log.Component("voice")))
	builder := bot.NewBuilder(factory, bot.WithRegistry(registry), bot.WithBuilderLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := hub.New("events", logger)
	go events.Run(ctx)

	srv, err := server.New(server.Options{
		Builder:        builder,
		Registry:       registry,
		Store:          store,
		Metrics:        metrics.NewCollector(metrics.DefaultNamespace),
		Hub:            events,
		ICEServers:     cfg.ICEServers,
		AllowOrigins:   cfg.AllowOrigins,
		IdleTimeout:    *idleTimeout,
		RequestLogging: log.ParseLevel(cfg.LogLevel) == slog.LevelDebug,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Listen(cfg.Addr())
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
	return nil
}
