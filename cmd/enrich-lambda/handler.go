package main

import (
	"context"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/timex"
)

type retrier interface {
	RetryPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) (int, error)
	Wait(ctx context.Context) error
}

// Event overrides the configured batch. Zero fields keep the defaults.
type Event struct {
	OlderThan timex.Duration `json:"older_than"`
	Limit     int            `json:"limit"`
}

type Result struct {
	Retried int `json:"retried"`
}

type handler struct {
	retrier   retrier
	olderThan time.Duration
	limit     int
	logger    logging.Logger
}

func (h *handler) Handle(ctx context.Context, ev Event) (Result, error) {
	olderThan, limit := h.olderThan, h.limit
	if ev.OlderThan.Duration > 0 {
		olderThan = ev.OlderThan.Duration
	}
	if ev.Limit > 0 {
		limit = ev.Limit
	}

	n, err := h.retrier.RetryPendingEnrichment(ctx, olderThan, limit)
	if err != nil {
		h.logger.Error(ctx, "enrichment retry failed", "error", err)
		return Result{Retried: n}, err
	}
	if err := h.retrier.Wait(ctx); err != nil {
		return Result{Retried: n}, err
	}
	h.logger.Info(ctx, "enrichment retry done", "retried", n, "older_than", olderThan, "limit", limit)
	return Result{Retried: n}, nil
}
