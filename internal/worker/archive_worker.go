package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/repository"
	"github.com/spec-kit/support-relay/internal/service"
)

// ArchiveWorker periodically closes idle threads and prunes expired origin
// mappings so the index stays bounded.
type ArchiveWorker struct {
	sessions *service.SessionService
	origins  repository.OriginIndex
	logger   *zap.Logger
	cfg      config.ArchiveConfig
}

// NewArchiveWorker builds the sweep.
func NewArchiveWorker(sessions *service.SessionService, origins repository.OriginIndex, logger *zap.Logger, cfg config.ArchiveConfig) *ArchiveWorker {
	return &ArchiveWorker{
		sessions: sessions,
		origins:  origins,
		logger:   logger,
		cfg:      cfg,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one archive-and-prune pass.
func (w *ArchiveWorker) Sweep(ctx context.Context) {
	now := time.Now()

	archived, err := w.sessions.ArchiveStale(ctx, now.Add(-w.cfg.Threshold()))
	if err != nil {
		w.logger.Error("archive sweep failed", zap.Error(err))
	} else if archived > 0 {
		w.logger.Info("threads archived", zap.Int("count", archived))
	}

	pruned, err := w.origins.DeleteOlderThan(ctx, now.Add(-w.cfg.OriginRetention()))
	if err != nil {
		w.logger.Error("origin prune failed", zap.Error(err))
	} else if pruned > 0 {
		w.logger.Info("origin mappings pruned", zap.Int64("count", pruned))
	}
}
