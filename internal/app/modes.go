package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/promptpad/internal/graduation"
	"github.com/alanyoungcy/promptpad/internal/notify"
	"github.com/alanyoungcy/promptpad/internal/server"
	"github.com/alanyoungcy/promptpad/internal/server/handler"
	"github.com/alanyoungcy/promptpad/internal/server/ws"
)

const shutdownTimeout = 15 * time.Second

// ServerMode serves the HTTP API and WebSocket feed.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return a.wait(g, deps)
}

// WorkerMode runs graduations from the stream and the recovery sweep.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startGraduationWorker(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return a.wait(g, deps)
}

// FullMode runs the API and graduation in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	a.startGraduationWorker(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return a.wait(g, deps)
}

// wait blocks on g and lets in-process graduation runs finish. Cancellation
// is a clean exit.
func (a *App) wait(g *errgroup.Group, deps *Dependencies) error {
	err := g.Wait()
	if deps.LocalRuns != nil {
		deps.LocalRuns.Wait()
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	} else {
		a.logger.WarnContext(ctx, "redis not configured, websocket feed disabled", slog.String("component", "app"))
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		WriteTimeout:    a.cfg.Server.WriteTimeout.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(deps.HealthCheck, a.logger),
		Tokens:      handler.NewTokenHandler(deps.TokenSvc, a.logger),
		Trades:      handler.NewTradeHandler(deps.TradeSvc, a.logger),
		Graduations: handler.NewGraduationHandler(deps.GradSvc, a.logger),
	}, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startGraduationWorker consumes the stream when one is configured and always
// runs the recovery sweep, so crossings missed by a crashed process resume.
func (a *App) startGraduationWorker(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Machine == nil {
		a.logger.InfoContext(ctx, "graduation disabled", slog.String("component", "app"))
		return
	}
	bus := deps.Bus
	if !a.cfg.Graduation.Stream {
		bus = nil
	}
	w := graduation.NewWorker(
		deps.Machine,
		deps.Graduations,
		deps.Curves,
		bus,
		a.cfg.Graduation.StreamName,
		a.cfg.Graduation.PollInterval.Duration,
		a.logger,
	)
	g.Go(func() error { return w.Run(ctx) })
}

// startArchiver runs an archival pass on start and then every interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	log := a.logger.With(slog.String("component", "app"))
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			cutoff := archiveCutoff(time.Now(), a.cfg.Archive.RetentionDays)
			results, err := deps.Archiver.RunAll(ctx, cutoff)
			if err != nil && ctx.Err() == nil {
				log.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
			}
			var records int64
			for _, r := range results {
				records += r.Records
			}
			if err == nil && records > 0 && deps.Notifier.Enabled() {
				_ = deps.Notifier.Notify(ctx, notify.EventArchiveCompleted, "Archive completed",
					fmt.Sprintf("%d records archived before %s", records, cutoff.Format(time.DateOnly)))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
}
