package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/interaction"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/netx"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
)

// Memories is the part of the pipeline the commands call.
type Memories interface {
	CreateMemoryWithFile(ctx context.Context, req services.CreateRequest) (*services.CreateResult, error)
	SearchMemories(ctx context.Context, ownerID string, f models.SearchFilter) (*services.SearchResult, error)
}

// Bot runs commands. Each interaction gets exactly one Guard, and every
// message goes through it.
type Bot struct {
	tracker  *interaction.Tracker
	memories Memories
	client   *http.Client
	maxBytes int64
	logger   logging.Logger

	wg sync.WaitGroup
}

func New(tracker *interaction.Tracker, memories Memories, client *http.Client, maxBytes int64, logger logging.Logger) *Bot {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bot{
		tracker:  tracker,
		memories: memories,
		client:   client,
		maxBytes: maxBytes,
		logger:   logger.With("module", "bot"),
	}
}

// Dispatch handles in on its own goroutine. The caller's context values
// are kept, its cancellation is not.
func (b *Bot) Dispatch(ctx context.Context, in *Interaction) {
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Handle(ctx, in)
	}()
}

// Wait blocks until dispatched commands finish or ctx is done.
func (b *Bot) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle defers the interaction, runs the command and delivers its result.
func (b *Bot) Handle(ctx context.Context, in *Interaction) {
	g := b.tracker.Guard(interaction.Request{ID: in.ID, Token: in.Token})
	log := b.logger.With("interaction_id", in.ID, "command", in.Data.Name)

	if err := g.Defer(ctx, true); err != nil {
		log.Warn(ctx, "defer failed", "error", err)
		if !g.CanRespond() {
			return
		}
	}

	var msg interaction.Message
	switch in.Data.Name {
	case "upload":
		msg = b.upload(ctx, in)
	case "memories":
		msg = b.list(ctx, in)
	default:
		msg = interaction.Message{Content: fmt.Sprintf("Unknown command %q.", in.Data.Name)}
	}
	msg.Ephemeral = true

	if !g.CanRespond() {
		log.Warn(ctx, "interaction window closed, dropping result")
		return
	}
	if err := g.Respond(ctx, msg); err != nil {
		log.Error(ctx, "response failed", "error", err)
		if !errors.Is(err, common.ErrInteractionExpired) {
			g.Fail(ctx, err)
		}
	}
}

func (b *Bot) upload(ctx context.Context, in *Interaction) interaction.Message {
	att, ok := in.Data.Attachment("file")
	if !ok {
		return interaction.Message{Content: "Attach a file to upload."}
	}
	if b.maxBytes > 0 && att.Size > b.maxBytes {
		return interaction.Message{Content: fmt.Sprintf("%s is too large (%d bytes, limit %d).", att.Filename, att.Size, b.maxBytes)}
	}

	dl, err := netx.Fetch(ctx, b.client, att.URL, b.maxBytes)
	if err != nil {
		b.logger.Warn(ctx, "attachment download failed", "attachment_id", att.ID, "error", err)
		if errors.Is(err, netx.ErrTooLarge) {
			return interaction.Message{Content: fmt.Sprintf("%s is too large.", att.Filename)}
		}
		return interaction.Message{Content: "Could not download the attachment, please try again."}
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = dl.ContentType
	}
	title := in.Data.String("title")
	if title == "" {
		title = att.Filename
	}

	res, err := b.memories.CreateMemoryWithFile(ctx, services.CreateRequest{
		OwnerID:     in.UserID(),
		GuildID:     in.GuildID,
		Title:       title,
		Description: in.Data.String("description"),
		Category:    in.Data.String("category"),
		Tags:        splitTags(in.Data.String("tags")),
		Privacy:     in.Data.String("privacy"),
		Filename:    att.Filename,
		ContentType: contentType,
		Data:        dl.Data,
	})
	if err != nil {
		return errorMessage(err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Saved **%s** as memory `%s`.\n%s", title, res.MemoryID, res.StorageURL)
	for _, w := range res.Warnings {
		fmt.Fprintf(&sb, "\nNote: %s", w)
	}
	return interaction.Message{Content: sb.String()}
}

func (b *Bot) list(ctx context.Context, in *Interaction) interaction.Message {
	res, err := b.memories.SearchMemories(ctx, in.UserID(), models.SearchFilter{
		Query: in.Data.String("query"),
		Tag:   in.Data.String("tag"),
		Limit: 10,
	})
	if err != nil {
		b.logger.Error(ctx, "search failed", "error", err)
		return errorMessage(err)
	}
	if res.Count == 0 {
		return interaction.Message{Content: "No memories found."}
	}

	var sb strings.Builder
	for _, m := range res.Memories {
		fmt.Fprintf(&sb, "- **%s** (%d files) `%s`\n", m.Title, m.FileCount, m.ID)
	}
	return interaction.Message{Content: strings.TrimRight(sb.String(), "\n")}
}

// errorMessage renders the user-facing part of err. Technical detail is
// logged by the pipeline.
func errorMessage(err error) interaction.Message {
	var e *common.Error
	if !errors.As(err, &e) {
		return interaction.Message{Content: "Something went wrong, please try again later."}
	}
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, r := range e.Reasons {
		sb.WriteString("\n- ")
		sb.WriteString(r)
	}
	if e.Code.Retryable() {
		sb.WriteString("\nYou can retry in a moment.")
	}
	return interaction.Message{Content: sb.String()}
}

func splitTags(v string) []string {
	if v == "" {
		return nil
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
}
