// Command chatd runs the chat websocket backend: it wires the Redis-backed
// kv store, the rate limiter, registry, history ring, auth validator, and the
// LLM streaming bridge into the HTTP handler and serves until signalled.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatbridge/chat-server-go/auth"
	"github.com/chatbridge/chat-server-go/config"
	"github.com/chatbridge/chat-server-go/history"
	"github.com/chatbridge/chat-server-go/httpserver"
	"github.com/chatbridge/chat-server-go/internal/logctx"
	kvredis "github.com/chatbridge/chat-server-go/kv/redis"
	"github.com/chatbridge/chat-server-go/llm"
	"github.com/chatbridge/chat-server-go/llm/anthropic"
	"github.com/chatbridge/chat-server-go/ratelimit"
	"github.com/chatbridge/chat-server-go/registry"
	"github.com/chatbridge/chat-server-go/session"
	"github.com/chatbridge/chat-server-go/store"
	"github.com/chatbridge/chat-server-go/telemetry"
	"github.com/chatbridge/chat-server-go/telemetry/prom"
	"github.com/chatbridge/chat-server-go/wire"
)

func main() {
	if err := run(); err != nil {
		slog.Error("chatd exited", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}),
	})
	slog.SetDefault(log)

	kvStore, err := kvredis.New(kvredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return err
	}
	defer kvStore.Close()

	var sink telemetry.Sink = telemetry.Noop{}
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		promSink := prom.New()
		sink = promSink
		metricsHandler = promSink.Handler()
	}

	limiter := ratelimit.New(kvStore, ratelimit.Config{
		MaxConnectionsPerIP:   cfg.MaxConnectionsPerIP,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		MessagesPerSecond:     cfg.MessagesPerSecond,
		MessagesPerMinute:     cfg.MessagesPerMinute,
		MessagesPerHour:       cfg.MessagesPerHour,
		MessagesPerDay:        cfg.MessagesPerDay,
		ConnectTimeout:        cfg.ConnectTimeout,
		MessageTimeout:        cfg.MessageTimeout,
	}, ratelimit.WithLogger(log), ratelimit.WithSink(sink))

	reg := registry.New(
		registry.WithQueueSize(cfg.OutgoingQueueSize),
		registry.WithMessageTimeout(cfg.MessageTimeout),
		registry.WithReleaseFunc(limiter.ReleaseConnection),
		registry.WithLogger(log),
		registry.WithSink(sink),
	)

	ring := history.New(kvStore,
		history.WithMaxLength(cfg.HistoryMaxLength),
		history.WithRetention(cfg.HistoryRetention),
		history.WithLogger(log),
		history.WithSink(sink),
	)

	// User and message persistence are collaborators of this core; the
	// in-memory repositories stand in until the resource API wires real ones.
	users := store.NewMemoryUsers()
	messages := store.NewMemoryMessages()

	validator, err := auth.New(auth.Config{
		Secret:    []byte(cfg.TokenSecret),
		Algorithm: cfg.TokenAlgorithm,
	}, users)
	if err != nil {
		return err
	}

	provider, err := anthropic.New(anthropic.Config{APIKey: cfg.LLMAPIKey, BaseURL: cfg.LLMEndpoint})
	if err != nil {
		return err
	}
	cache := llm.NewResponseCache(kvStore, cfg.LLMCacheTTL, cfg.LLMCacheOn)
	bridge := llm.NewBridge(provider, cfg.LLMModel,
		llm.WithCache(cache),
		llm.WithTemperature(cfg.LLMTemperature),
		llm.WithMaxTokens(cfg.LLMMaxTokens),
		llm.WithLogger(log),
		llm.WithSink(sink),
	)

	handler, err := httpserver.New(session.Deps{
		Registry: reg,
		Limiter:  limiter,
		Auth:     validator,
		History:  ring,
		Bridge:   bridge,
		Messages: messages,
		Sink:     sink,
		Log:      log,
	},
		httpserver.WithLogger(log),
		httpserver.WithMetricsHandler(metricsHandler),
		httpserver.WithSessionConfig(session.Config{
			ConnectTimeout:   cfg.ConnectTimeout,
			MessageTimeout:   cfg.MessageTimeout,
			MaxMessageLength: cfg.MaxMessageLength,
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	if cfg.TLSCertFile != "" {
		keypair, err := newKeypairWatcher(cfg.TLSCertFile, cfg.TLSKeyFile, log)
		if err != nil {
			return err
		}
		defer keypair.Close()
		srv.TLSConfig = &tls.Config{GetCertificate: keypair.GetCertificate}
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
	} else {
		go func() { errCh <- srv.ListenAndServe() }()
	}
	log.Info("chatd listening", "addr", cfg.ListenAddr, "tls", cfg.TLSCertFile != "")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	}

	// Live sessions close with a normal shutdown code; the HTTP server then
	// drains within the grace window.
	reg.CloseAll(wire.KindNormalShutdown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
