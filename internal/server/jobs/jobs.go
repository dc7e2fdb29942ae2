package jobs

import (
	"context"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/ipfs"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
)

// Sweep kinds reported to the Recorder.
const (
	KindSessions     = "sessions"
	KindInteractions = "interactions"
	KindEnrichment   = "enrichment"
)

// Recorder counts what each run cleaned up or retried.
type Recorder interface {
	RecordSweep(kind string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSweep(string, int) {}

type funcJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

func (f *funcJob) Name() string                  { return f.name }
func (f *funcJob) Schedule() string              { return f.schedule }
func (f *funcJob) Run(ctx context.Context) error { return f.run(ctx) }

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SessionSweep drops expired upload sessions.
func SessionSweep(schedule string, s SessionSweeper, rec Recorder) Job {
	rec = recorderOrNop(rec)
	return &funcJob{name: "session_sweep", schedule: schedule, run: func(ctx context.Context) error {
		n, err := s.Sweep(ctx)
		if err != nil {
			return err
		}
		rec.RecordSweep(KindSessions, n)
		return nil
	}}
}

type InteractionSweeper interface {
	Sweep() int
}

// InteractionSweep drops interaction state older than its window.
func InteractionSweep(schedule string, t InteractionSweeper, rec Recorder) Job {
	rec = recorderOrNop(rec)
	return &funcJob{name: "interaction_sweep", schedule: schedule, run: func(ctx context.Context) error {
		rec.RecordSweep(KindInteractions, t.Sweep())
		return nil
	}}
}

type HealthChecker interface {
	ContentStoreHealth(ctx context.Context) ipfs.Diagnostics
}

type HealthSetter interface {
	SetContentStoreHealthy(ok bool)
}

// ContentStoreHealth probes the content store and publishes the verdict.
func ContentStoreHealth(schedule string, c HealthChecker, s HealthSetter, logger logging.Logger) Job {
	if logger == nil {
		logger = logging.Discard()
	}
	return &funcJob{name: "content_store_health", schedule: schedule, run: func(ctx context.Context) error {
		d := c.ContentStoreHealth(ctx)
		s.SetContentStoreHealthy(d.Healthy)
		if !d.Healthy {
			logger.Warn(ctx, "content store unhealthy", "probes", d.Probes)
		}
		return nil
	}}
}

type EnrichmentRetrier interface {
	RetryPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// EnrichmentRetry re-publishes files whose content-address upload never
// landed.
func EnrichmentRetry(schedule string, r EnrichmentRetrier, olderThan time.Duration, limit int, rec Recorder) Job {
	rec = recorderOrNop(rec)
	return &funcJob{name: "enrichment_retry", schedule: schedule, run: func(ctx context.Context) error {
		n, err := r.RetryPendingEnrichment(ctx, olderThan, limit)
		rec.RecordSweep(KindEnrichment, n)
		return err
	}}
}
