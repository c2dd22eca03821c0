// Package sweeper removes expired pipeline checkpoints on a schedule.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scoutline/discovery-cli/internal/config"
	"github.com/scoutline/discovery-cli/internal/store"
)

// Sweeper deletes expired stage documents and their pipeline status rows.
type Sweeper struct {
	store store.Store
	cfg   config.CleanupConfig
}

// New wires a sweeper.
func New(st store.Store, cfg config.CleanupConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxDocs <= 0 {
		cfg.MaxDocs = 500
	}
	if cfg.MaxPipelines <= 0 {
		cfg.MaxPipelines = 100
	}
	return &Sweeper{store: st, cfg: cfg}
}

// SweepResult summarizes one cleanup pass.
type SweepResult struct {
	Pipelines   int   `json:"pipelines"`
	DocsDeleted int64 `json:"docs_deleted"`
	Errors      int   `json:"errors"`
}

// RunOnce performs a single cleanup pass. Per-pipeline failures are logged
// and skipped so one bad row cannot stall the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	now := time.Now().UTC()

	ids, err := s.store.ListExpiredPipelines(ctx, now, s.cfg.MaxDocs)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(ids))
	result := &SweepResult{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if result.Pipelines >= s.cfg.MaxPipelines {
			break
		}
		result.Pipelines++

		deleted, err := s.store.DeleteExpiredForPipeline(ctx, id, now)
		if err != nil {
			result.Errors++
			zap.L().Warn("cleanup of pipeline failed",
				zap.String("pipeline_id", id),
				zap.Error(err),
			)
			continue
		}
		result.DocsDeleted += deleted
	}

	zap.L().Info("cleanup pass complete",
		zap.Int("pipelines", result.Pipelines),
		zap.Int64("docs_deleted", result.DocsDeleted),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				zap.L().Error("cleanup pass failed", zap.Error(err))
			}
		}
	}
}
