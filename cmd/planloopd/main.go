// Command planloopd runs the session-coordination server: collaborative
// itinerary editing over websockets, per-user SSE notifications, and
// assistant chat turns, all in front of pluggable durable stores.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/planloop/planloop/collab"
	"github.com/planloop/planloop/conversation"
	"github.com/planloop/planloop/httpapi"
	"github.com/planloop/planloop/identity/jwtid"
	"github.com/planloop/planloop/internal/logctx"
	"github.com/planloop/planloop/notify"
	"github.com/planloop/planloop/sessions"
	"github.com/planloop/planloop/store"
	"github.com/planloop/planloop/store/memory"
	"github.com/planloop/planloop/store/redisblob"
	"github.com/planloop/planloop/store/sqliteconv"
)

type config struct {
	Addr     string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	// BlobBackend selects the blob store: "memory" or "redis".
	BlobBackend string `env:"BLOB_BACKEND,default=memory"`
	// SQLitePath, when set, backs conversations with SQLite instead of
	// the in-memory store.
	SQLitePath string `env:"SQLITE_PATH"`

	// AssistantURL is the upstream service producing assistant replies.
	AssistantURL string `env:"ASSISTANT_URL,required"`

	ActorIdleTimeout time.Duration `env:"ACTOR_IDLE_TIMEOUT,default=5m"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var blobs store.BlobStore
	switch cfg.BlobBackend {
	case "memory":
		blobs = memory.NewBlobStore()
	case "redis":
		rb, err := redisblob.NewFromEnv()
		if err != nil {
			return fmt.Errorf("redis blob store: %w", err)
		}
		blobs = rb
	default:
		return fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
	defer blobs.Close()

	var convs store.ConversationStore
	if cfg.SQLitePath != "" {
		sc, err := sqliteconv.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite conversation store: %w", err)
		}
		convs = sc
	} else {
		convs = memory.NewConversationStore()
	}
	defer convs.Close()

	idp, err := jwtid.NewFromEnv()
	if err != nil {
		return fmt.Errorf("identity provider: %w", err)
	}

	hub := notify.NewHub(notify.WithLogger(log))
	defer hub.Close()

	collabReg := sessions.NewRegistry(
		collab.NewFactory(blobs, collab.WithLogger(log)),
		sessions.WithLogger(log),
		sessions.WithIdleTimeout(cfg.ActorIdleTimeout),
	)
	defer collabReg.Close()

	convReg := sessions.NewRegistry(
		conversation.NewFactory(conversation.Deps{
			Blobs:     blobs,
			Convs:     convs,
			Identity:  idp,
			Notifier:  hub,
			Responder: conversation.NewHTTPResponder(cfg.AssistantURL, &http.Client{Timeout: 60 * time.Second}),
		}, conversation.WithLogger(log)),
		sessions.WithLogger(log),
		sessions.WithIdleTimeout(cfg.ActorIdleTimeout),
	)
	defer convReg.Close()

	api, err := httpapi.New(httpapi.Deps{
		Collab:        collabReg,
		Conversations: convReg,
		Hub:           hub,
		ConvStore:     convs,
		Identity:      idp,
	}, httpapi.WithLogger(log))
	if err != nil {
		return fmt.Errorf("http handler: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: websocket and SSE responses are long-lived.
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Addr), slog.String("blob_backend", cfg.BlobBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
