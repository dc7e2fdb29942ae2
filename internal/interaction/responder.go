package interaction

import "context"

// Request identifies the inbound trigger being answered.
type Request struct {
	ID    string
	Token string
}

// Message is the payload of any response.
type Message struct {
	Content   string `json:"content,omitempty"`
	Ephemeral bool   `json:"-"`
}

// Responder performs the actual network calls. Implementations map a
// platform "already acknowledged" failure to common.ErrAlreadyAcknowledged
// and an unknown or timed-out request to common.ErrInteractionExpired.
type Responder interface {
	// Defer acknowledges now and promises a later edit.
	Defer(ctx context.Context, req Request, ephemeral bool) error
	// Reply is the initial response carrying content.
	Reply(ctx context.Context, req Request, msg Message) error
	// EditOriginal replaces the initial (or deferred) response.
	EditOriginal(ctx context.Context, req Request, msg Message) error
	// FollowUp posts an additional message after the initial response.
	FollowUp(ctx context.Context, req Request, msg Message) error
}
