package interaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	mu    sync.Mutex
	calls []string

	deferErr    error
	replyErr    error
	editErr     error
	followUpErr error
	delay       time.Duration
}

func (f *fakeResponder) record(verb string) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, verb)
}

func (f *fakeResponder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeResponder) Defer(ctx context.Context, req Request, ephemeral bool) error {
	f.record(VerbDefer)
	return f.deferErr
}

func (f *fakeResponder) Reply(ctx context.Context, req Request, msg Message) error {
	f.record(VerbReply)
	return f.replyErr
}

func (f *fakeResponder) EditOriginal(ctx context.Context, req Request, msg Message) error {
	f.record(VerbEdit)
	return f.editErr
}

func (f *fakeResponder) FollowUp(ctx context.Context, req Request, msg Message) error {
	f.record(VerbFollowUp)
	return f.followUpErr
}

type countingObserver struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingObserver) RecordAck(verb, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[verb+":"+outcome]++
}

func newTracker(r Responder, opts ...TrackerOption) (*Tracker, *time.Time) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	t := NewTracker(NewMemoryStore(), r, opts...)
	t.now = func() time.Time { return now }
	return t, &now
}

func TestGuard_DeferIsIdempotent(t *testing.T) {
	r := &fakeResponder{}
	tr, _ := newTracker(r)
	g := tr.Guard(Request{ID: "i1", Token: "tok"})
	ctx := context.Background()

	require.NoError(t, g.Defer(ctx, false))
	require.NoError(t, g.Defer(ctx, false))
	assert.Equal(t, []string{VerbDefer}, r.Calls())

	require.NoError(t, g.Reply(ctx, Message{Content: "done"}))
	require.NoError(t, g.Defer(ctx, false))
	assert.Equal(t, []string{VerbDefer, VerbEdit}, r.Calls())
}

func TestGuard_VerbCollapse(t *testing.T) {
	ctx := context.Background()

	t.Run("reply after defer becomes edit", func(t *testing.T) {
		r := &fakeResponder{}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "a"})
		require.NoError(t, g.Defer(ctx, true))
		require.NoError(t, g.Reply(ctx, Message{Content: "x"}))
		assert.Equal(t, []string{VerbDefer, VerbEdit}, r.Calls())
		s := g.State()
		assert.True(t, s.Deferred)
		assert.True(t, s.Replied)
		assert.False(t, s.Editing)
	})

	t.Run("reply after reply becomes follow-up", func(t *testing.T) {
		r := &fakeResponder{}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "b"})
		require.NoError(t, g.Reply(ctx, Message{Content: "1"}))
		require.NoError(t, g.Reply(ctx, Message{Content: "2"}))
		assert.Equal(t, []string{VerbReply, VerbFollowUp}, r.Calls())
	})

	t.Run("edit with nothing sent becomes reply", func(t *testing.T) {
		r := &fakeResponder{}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "c"})
		require.NoError(t, g.EditReply(ctx, Message{Content: "1"}))
		require.NoError(t, g.EditReply(ctx, Message{Content: "2"}))
		assert.Equal(t, []string{VerbReply, VerbEdit}, r.Calls())
	})

	t.Run("respond picks verb from state", func(t *testing.T) {
		r := &fakeResponder{}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "d"})
		require.NoError(t, g.Respond(ctx, Message{Content: "1"}))
		require.NoError(t, g.Respond(ctx, Message{Content: "2"}))
		require.NoError(t, g.FollowUp(ctx, Message{Content: "3"}))
		assert.Equal(t, []string{VerbReply, VerbFollowUp, VerbFollowUp}, r.Calls())
		assert.Equal(t, 3, g.State().Attempts)
	})

	t.Run("follow-up before anything becomes reply", func(t *testing.T) {
		r := &fakeResponder{}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "e"})
		require.NoError(t, g.FollowUp(ctx, Message{Content: "1"}))
		assert.Equal(t, []string{VerbReply}, r.Calls())
	})
}

func TestGuard_AlreadyAcknowledgedReconciles(t *testing.T) {
	ctx := context.Background()

	t.Run("defer", func(t *testing.T) {
		r := &fakeResponder{deferErr: common.NewError(common.CodeAlreadyAcknowledged, "already", nil)}
		tr, _ := newTracker(r)
		g := tr.Guard(Request{ID: "a"})
		require.NoError(t, g.Defer(ctx, false))
		assert.True(t, g.State().Deferred)
		require.NoError(t, g.Defer(ctx, false))
		assert.Equal(t, []string{VerbDefer}, r.Calls())
	})

	t.Run("reply switches to edit", func(t *testing.T) {
		r := &fakeResponder{replyErr: common.NewError(common.CodeAlreadyAcknowledged, "already", nil)}
		obs := &countingObserver{}
		tr, _ := newTracker(r, WithObserver(obs))
		g := tr.Guard(Request{ID: "b"})
		require.NoError(t, g.Reply(ctx, Message{Content: "x"}))
		assert.Equal(t, []string{VerbReply, VerbEdit}, r.Calls())
		s := g.State()
		assert.True(t, s.Deferred)
		assert.True(t, s.Replied)
		assert.Equal(t, 1, obs.calls["reply:already_acknowledged"])
		assert.Equal(t, 1, obs.calls["edit:ok"])
	})
}

func TestGuard_ExpiredOnPlatformFailsRequest(t *testing.T) {
	r := &fakeResponder{deferErr: common.NewError(common.CodeInteractionExpired, "Unknown interaction", nil)}
	tr, _ := newTracker(r)
	g := tr.Guard(Request{ID: "a"})
	ctx := context.Background()

	err := g.Defer(ctx, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrInteractionExpired)
	assert.True(t, g.State().Failed)
	assert.False(t, g.CanRespond())

	err = g.Reply(ctx, Message{Content: "x"})
	assert.ErrorIs(t, err, common.ErrInteractionExpired)
	assert.Equal(t, []string{VerbDefer}, r.Calls())
}

func TestGuard_TransportErrorIsReturnedAndRetryable(t *testing.T) {
	boom := errors.New("connection reset")
	r := &fakeResponder{replyErr: boom}
	tr, _ := newTracker(r)
	g := tr.Guard(Request{ID: "a"})
	ctx := context.Background()

	err := g.Reply(ctx, Message{Content: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, g.State().Replied)
	assert.True(t, g.CanRespond())

	r.replyErr = nil
	require.NoError(t, g.Reply(ctx, Message{Content: "x"}))
	assert.Equal(t, 2, g.State().Attempts)
}

func TestGuard_LifetimeAndFail(t *testing.T) {
	r := &fakeResponder{}
	tr, now := newTracker(r, WithLifetime(time.Minute))
	g := tr.Guard(Request{ID: "a"})
	ctx := context.Background()

	assert.True(t, g.CanRespond())
	*now = now.Add(time.Minute)
	assert.False(t, g.CanRespond())
	assert.ErrorIs(t, g.Defer(ctx, false), common.ErrInteractionExpired)
	assert.Empty(t, r.Calls())

	g2 := tr.Guard(Request{ID: "b"})
	g2.Fail(ctx, errors.New("pipeline crashed"))
	assert.False(t, g2.CanRespond())
	assert.ErrorIs(t, g2.Respond(ctx, Message{}), common.ErrInteractionExpired)
	assert.True(t, g2.State().Failed)
}

func TestGuard_ConcurrentFirstAckSendsOneInitialResponse(t *testing.T) {
	r := &fakeResponder{delay: 5 * time.Millisecond}
	tr, _ := newTracker(r)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// every completion signal builds its own guard for the same id
			g := tr.Guard(Request{ID: "race"})
			assert.NoError(t, g.Respond(ctx, Message{Content: "done"}))
		}()
	}
	wg.Wait()

	calls := r.Calls()
	require.Len(t, calls, 10)
	initial := 0
	for _, c := range calls {
		if c == VerbReply || c == VerbDefer {
			initial++
		}
	}
	assert.Equal(t, 1, initial)
	assert.Equal(t, VerbReply, calls[0])
}

func TestTracker_Sweep(t *testing.T) {
	tr, now := newTracker(&fakeResponder{})
	tr.Guard(Request{ID: "old"})
	*now = now.Add(10 * time.Minute)
	tr.Guard(Request{ID: "new"})
	*now = now.Add(6 * time.Minute)

	assert.Equal(t, 1, tr.Sweep())
	assert.Equal(t, 1, tr.store.Len())
	_, ok := tr.store.Load("new")
	assert.True(t, ok)
}
