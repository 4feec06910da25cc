package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marchholt/billsync/internal/housekeeping"
	httpapi "github.com/marchholt/billsync/internal/httpapi/v1"
	"github.com/marchholt/billsync/internal/migrate"
	"github.com/marchholt/billsync/internal/service/access"
	"github.com/marchholt/billsync/internal/service/auth"
	"github.com/marchholt/billsync/internal/service/books"
	syncsvc "github.com/marchholt/billsync/internal/service/sync"
	"github.com/marchholt/billsync/internal/storage/memory"
	pgstore "github.com/marchholt/billsync/internal/storage/postgres"
)

// store is the union of every store contract the services consume.
type store interface {
	syncsvc.Store
	access.BookReader
	auth.UserStore
	books.Store
	housekeeping.Store
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logger (slog to stdout). Level via LOG_LEVEL; format via LOG_FORMAT (json|text, default json)
	logger := buildLoggerFromEnv()
	slog.SetDefault(logger)

	jwtSecret := strings.TrimSpace(os.Getenv("JWT_HS256_SECRET"))
	if jwtSecret == "" {
		logger.Error("JWT_HS256_SECRET is required")
		os.Exit(1)
	}

	var st store
	var closeFn func()

	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		if err := migrate.Up(ctx, dsn); err != nil {
			logger.Error("migrate up failed", "err", err)
			os.Exit(1)
		}
		pg, err := pgstore.Open(ctx, dsn)
		if err != nil {
			logger.Error("failed to connect to postgres", "err", err)
			os.Exit(1)
		}
		closeFn = pg.Close
		st = pg
		logger.Info("storage backend: postgres")
	} else {
		st = memory.New()
		logger.Info("storage backend: memory")
	}

	authSvc := auth.New(st, []byte(jwtSecret), envDuration("ACCESS_TTL", 24*time.Hour))
	accessSvc := access.New(st)
	syncService := syncsvc.New(st, accessSvc)
	bookSvc := books.New(st)

	// Retention cleanup runs on its own timer, off the request path.
	purger := housekeeping.New(st, logger,
		envDuration("CLEANUP_INTERVAL", time.Hour),
		envDuration("OP_RETENTION", 30*24*time.Hour),
		envDuration("CHANGE_RETENTION", 90*24*time.Hour),
	)
	go purger.Run(ctx)

	srv := &http.Server{
		Addr:              listenAddr(),
		Handler:           httpapi.New(syncService, authSvc, bookSvc, st, logger).Handler(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billsync service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	case err := <-errCh:
		logger.Error("server error", "err", err)
	}
	if closeFn != nil {
		closeFn()
	}
}

func listenAddr() string {
	if addr := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); addr != "" {
		return addr
	}
	return ":8080"
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// parseLogLevel maps env values to slog.Leveler
func parseLogLevel(s string) slog.Leveler {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "WARN", "WARNING", "warn", "warning":
		return slog.LevelWarn
	case "ERROR", "ERR", "error", "err":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildLoggerFromEnv() *slog.Logger {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))
	format := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT")))
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	// default to JSON
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
