// Package pipeline runs the background jobs of the marketplace daemon.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftmarketplace/internal/domain"
)

// ArchiveRecorder observes how many events each run exported.
type ArchiveRecorder interface {
	ObserveArchived(n int)
}

// Archiver moves market events older than the retention window to cold
// storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	recorder      ArchiveRecorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// WithRecorder attaches an ArchiveRecorder.
func (a *Archiver) WithRecorder(r ArchiveRecorder) *Archiver {
	a.recorder = r
	return a
}

// Cutoff returns the start of the UTC day retentionDays before now. Runs on
// the same day share a cutoff, so repeated runs export once.
func (a *Archiver) Cutoff() time.Time {
	day := a.now().UTC().Truncate(24 * time.Hour)
	return day.Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
}

// Run executes a single archive run and returns the number of exported
// events.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.Cutoff()
	a.logger.InfoContext(ctx, "pipeline: archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveEvents(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("pipeline: archive events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if a.recorder != nil {
		a.recorder.ObserveArchived(int(n))
	}
	a.logger.InfoContext(ctx, "pipeline: archive run complete", slog.Int64("events_archived", n))
	return n, nil
}

// RunLoop runs the archiver immediately and then every interval until ctx
// is cancelled. Failed runs are logged and retried on the next tick.
func (a *Archiver) RunLoop(ctx context.Context, interval time.Duration) error {
	a.logger.InfoContext(ctx, "pipeline: archiver loop started", slog.Duration("interval", interval))

	if _, err := a.Run(ctx); err != nil {
		a.logger.ErrorContext(ctx, "pipeline: archive run failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("pipeline: archiver loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "pipeline: archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
