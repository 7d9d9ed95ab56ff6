package stats

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink receives periodic snapshots. *PGStore is one.
type Sink interface {
	Save(ctx context.Context, role string, snap Snapshot) error
}

// Reporter pushes snapshots of its sources to a sink on a fixed interval.
type Reporter struct {
	sources  map[string]Source
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
}

func NewReporter(sources map[string]Source, sink Sink, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{sources: sources, sink: sink, interval: interval, logger: logger}
}

// Run reports until ctx ends, with a final report on the way out.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.ReportOnce(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			r.ReportOnce(final)
			cancel()
			return
		}
	}
}

// ReportOnce saves one snapshot per source. Failures are logged and do not
// stop the other sources.
func (r *Reporter) ReportOnce(ctx context.Context) {
	for role, src := range r.sources {
		snap := src.Snapshot()
		if err := r.sink.Save(ctx, role, snap); err != nil {
			r.logger.Warn("stats report failed", zap.String("role", role), zap.Error(err))
			continue
		}
		r.logger.Debug("stats reported",
			zap.String("role", role),
			zap.Int64("total", snap.TotalRequests),
			zap.Int64("failed", snap.FailedRequests))
	}
}
