package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/auth"
	"parley/internal/blob"
	"parley/internal/clock"
	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/handlers"
	"parley/internal/messaging"
	mw "parley/internal/middleware"
	"parley/internal/realtime"
	"parley/internal/resilience"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		// The logger is not configured yet.
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := newLogger(cfg)

	database, err := db.Init(filepath.Join(cfg.DataDir, "parley.db"), cfg.ListenerBuffer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init database")
	}
	defer database.Close()

	blobs, err := blob.NewLocal(filepath.Join(cfg.DataDir, "uploads"), cfg.PublicBaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create upload directory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	retry := resilience.New(clk, log, resilience.Options{
		Config: resilience.Config{
			InitialDelay: cfg.RetryInitialDelay,
			Multiplier:   cfg.RetryMultiplier,
			MaxDelay:     cfg.RetryMaxDelay,
			JitterMax:    cfg.RetryJitterMax,
			MaxAttempts:  cfg.RetryMaxAttempts,
		},
		Retention: cfg.RetryRetention,
	})
	go retry.Run(ctx)

	bus := realtime.New(realtime.FeedSource(database.Feed), retry, log, realtime.Options{
		ListenerBuffer: cfg.ListenerBuffer,
	})
	defer bus.Close()

	svc := messaging.New(database, blobs, clk, log, messaging.Options{
		TypingTTL:      cfg.TypingTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	limiter := mw.NewIPRateLimiter(cfg.RateLimitPerMin, max(cfg.RateLimitPerMin/6, 5))
	go sweep(ctx, clk, log, svc, limiter, cfg.SweepInterval, cfg.AttachmentRetention)

	hub := handlers.NewHub(svc, bus, log)
	go hub.Run(ctx)

	h := handlers.New(svc, bus, hub, log, handlers.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(auth.New(cfg.JWTSecret), limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if cfg.TLSCert != "" {
			log.Info().Str("addr", srv.Addr).Str("cert", cfg.TLSCert).Msg("parley listening (https)")
			errc <- srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			return
		}
		log.Info().Str("addr", srv.Addr).Msg("parley listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// sweep runs the periodic cleanups: uploads never attached to a message,
// expired typing rows and idle rate-limit buckets.
func sweep(ctx context.Context, clk clock.Clock, log zerolog.Logger, svc *messaging.Service, limiter *mw.IPRateLimiter, interval, retention time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := svc.SweepOrphanedAttachments(ctx, retention); err != nil {
			log.Warn().Err(err).Msg("attachment cleanup error")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("orphaned attachments removed")
		}
		if _, err := svc.SweepExpiredTyping(ctx); err != nil {
			log.Warn().Err(err).Msg("typing cleanup error")
		}
		limiter.Prune(time.Hour)
	}
}
