package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetrier struct {
	olderThan time.Duration
	limit     int
	err       error
	waited    bool
}

func (f *fakeRetrier) RetryPendingEnrichment(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	f.olderThan, f.limit = olderThan, limit
	return 3, f.err
}

func (f *fakeRetrier) Wait(ctx context.Context) error {
	f.waited = true
	return nil
}

func newHandler(r *fakeRetrier) *handler {
	return &handler{retrier: r, olderThan: 5 * time.Minute, limit: 20, logger: logging.Discard()}
}

func TestHandle_Defaults(t *testing.T) {
	r := &fakeRetrier{}
	res, err := newHandler(r).Handle(context.Background(), Event{})
	require.NoError(t, err)
	assert.Equal(t, Result{Retried: 3}, res)
	assert.Equal(t, 5*time.Minute, r.olderThan)
	assert.Equal(t, 20, r.limit)
	assert.True(t, r.waited)
}

func TestHandle_EventOverrides(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"older_than":"1h","limit":5}`), &ev))

	r := &fakeRetrier{}
	_, err := newHandler(r).Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, r.olderThan)
	assert.Equal(t, 5, r.limit)
}

func TestHandle_Error(t *testing.T) {
	r := &fakeRetrier{err: errors.New("db down")}
	_, err := newHandler(r).Handle(context.Background(), Event{})
	assert.Error(t, err)
	assert.False(t, r.waited)
}
