package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
)

// Verbs reported to the Observer.
const (
	VerbDefer    = "defer"
	VerbReply    = "reply"
	VerbEdit     = "edit"
	VerbFollowUp = "follow_up"
)

// Observer is notified of every delivered acknowledgement.
type Observer interface {
	RecordAck(verb, outcome string)
}

// Tracker vends Guards and owns the shared state store.
type Tracker struct {
	store     Store
	responder Responder
	lifetime  time.Duration
	logger    logging.Logger
	observer  Observer
	now       func() time.Time
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

func WithLifetime(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.lifetime = d
		}
	}
}

func WithLogger(l logging.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) { t.observer = o }
}

func NewTracker(store Store, responder Responder, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:     store,
		responder: responder,
		lifetime:  DefaultLifetime,
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("module", "interaction")
	return t
}

// Guard returns the guard for req. Guards for the same id share state.
func (t *Tracker) Guard(req Request) *Guard {
	return &Guard{
		req:     req,
		tracker: t,
		entry:   t.store.LoadOrCreate(req.ID, t.now()),
	}
}

// Sweep drops state older than the lifetime window.
func (t *Tracker) Sweep() int {
	return t.store.Sweep(t.now(), t.lifetime)
}

// Lifetime is the response window applied to every request.
func (t *Tracker) Lifetime() time.Duration {
	return t.lifetime
}

// Guard wraps a single request. Calls on one Guard (or on Guards sharing an
// id) are serialized, so concurrent completions cannot both send the
// initial response.
type Guard struct {
	req     Request
	tracker *Tracker
	entry   *Entry
}

// State returns a snapshot of the acknowledgement state.
func (g *Guard) State() State {
	return g.entry.Snapshot()
}

// CanRespond is false once the request failed or outlived its window.
func (g *Guard) CanRespond() bool {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()
	return g.canRespondLocked()
}

func (g *Guard) canRespondLocked() bool {
	if g.entry.state.Failed {
		return false
	}
	return g.tracker.now().Sub(g.entry.createdAt) < g.tracker.lifetime
}

// Fail marks the request terminal. No further responses are attempted.
func (g *Guard) Fail(ctx context.Context, reason error) {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()
	if !g.entry.state.Failed {
		g.tracker.logger.Warn(ctx, "interaction failed", "interaction_id", g.req.ID, "error", reason)
	}
	g.entry.state.Failed = true
}

func (g *Guard) closedErr() error {
	if g.entry.state.Failed {
		return common.Errorf(common.CodeInteractionExpired, "this request can no longer be answered",
			"interaction %s already failed", g.req.ID)
	}
	return common.Errorf(common.CodeInteractionExpired, "this request can no longer be answered",
		"interaction %s is older than %s", g.req.ID, g.tracker.lifetime)
}

// Defer acknowledges the request without content. It is a no-op once the
// request was deferred or replied to.
func (g *Guard) Defer(ctx context.Context, ephemeral bool) error {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()

	if !g.canRespondLocked() {
		return g.closedErr()
	}
	if g.entry.state.Acknowledged() {
		return nil
	}

	err := g.call(ctx, VerbDefer, func() error { return g.tracker.responder.Defer(ctx, g.req, ephemeral) })
	switch {
	case err == nil, errors.Is(err, common.ErrAlreadyAcknowledged):
		g.entry.state.Deferred = true
		return nil
	default:
		return err
	}
}

// Reply sends content, becoming an edit after Defer and a follow-up after
// a previous reply.
func (g *Guard) Reply(ctx context.Context, msg Message) error {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()
	return g.respondLocked(ctx, msg)
}

// Respond picks the verb from the current state. It is Reply under a name
// that reads better at call sites that do not care.
func (g *Guard) Respond(ctx context.Context, msg Message) error {
	return g.Reply(ctx, msg)
}

// EditReply replaces the initial response, or sends it when there is none.
func (g *Guard) EditReply(ctx context.Context, msg Message) error {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()

	if !g.canRespondLocked() {
		return g.closedErr()
	}
	if !g.entry.state.Acknowledged() {
		return g.initialReplyLocked(ctx, msg)
	}
	return g.editLocked(ctx, msg)
}

// FollowUp posts an additional message, or the initial reply when nothing
// was sent yet.
func (g *Guard) FollowUp(ctx context.Context, msg Message) error {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()

	if !g.canRespondLocked() {
		return g.closedErr()
	}
	switch {
	case !g.entry.state.Acknowledged():
		return g.initialReplyLocked(ctx, msg)
	case g.entry.state.Deferred && !g.entry.state.Replied:
		return g.editLocked(ctx, msg)
	}
	return g.followUpLocked(ctx, msg)
}

func (g *Guard) respondLocked(ctx context.Context, msg Message) error {
	if !g.canRespondLocked() {
		return g.closedErr()
	}
	s := g.entry.state
	switch {
	case s.Replied:
		return g.followUpLocked(ctx, msg)
	case s.Deferred:
		return g.editLocked(ctx, msg)
	}
	return g.initialReplyLocked(ctx, msg)
}

func (g *Guard) initialReplyLocked(ctx context.Context, msg Message) error {
	err := g.call(ctx, VerbReply, func() error { return g.tracker.responder.Reply(ctx, g.req, msg) })
	if err == nil {
		g.entry.state.Replied = true
		return nil
	}
	if !errors.Is(err, common.ErrAlreadyAcknowledged) {
		return err
	}

	// The platform already holds an initial response we did not record;
	// treat it as deferred and deliver the content as an edit.
	g.tracker.logger.Info(ctx, "interaction already acknowledged, switching to edit", "interaction_id", g.req.ID)
	g.entry.state.Deferred = true
	return g.editLocked(ctx, msg)
}

func (g *Guard) editLocked(ctx context.Context, msg Message) error {
	g.entry.state.Editing = true
	defer func() { g.entry.state.Editing = false }()

	err := g.call(ctx, VerbEdit, func() error { return g.tracker.responder.EditOriginal(ctx, g.req, msg) })
	if err != nil {
		return err
	}
	g.entry.state.Replied = true
	return nil
}

func (g *Guard) followUpLocked(ctx context.Context, msg Message) error {
	return g.call(ctx, VerbFollowUp, func() error { return g.tracker.responder.FollowUp(ctx, g.req, msg) })
}

// call runs one delivery, counting the attempt and marking the request
// failed when the platform reports it gone.
func (g *Guard) call(ctx context.Context, verb string, fn func() error) error {
	g.entry.state.Attempts++
	err := fn()

	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, common.ErrAlreadyAcknowledged):
		outcome = "already_acknowledged"
	case errors.Is(err, common.ErrInteractionExpired):
		outcome = "expired"
		g.entry.state.Failed = true
		g.tracker.logger.Warn(ctx, "interaction expired on the platform", "interaction_id", g.req.ID, "verb", verb)
	default:
		outcome = "error"
		g.tracker.logger.Error(ctx, "interaction response failed", "interaction_id", g.req.ID, "verb", verb, "error", err)
	}
	if g.tracker.observer != nil {
		g.tracker.observer.RecordAck(verb, outcome)
	}
	if err != nil && !errors.Is(err, common.ErrAlreadyAcknowledged) {
		return fmt.Errorf("%s interaction %s: %w", verb, g.req.ID, err)
	}
	return err
}
