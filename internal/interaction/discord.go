package interaction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/common"
)

// DefaultDiscordAPI is the REST base used when none is configured.
const DefaultDiscordAPI = "https://discord.com/api/v10"

// Discord interaction callback types and error codes.
const (
	callbackChannelMessage         = 4
	callbackDeferredChannelMessage = 5

	flagEphemeral = 1 << 6

	discordErrUnknownInteraction = 10062
	discordErrAlreadyAcked       = 40060
)

// DiscordResponder answers interactions through Discord's webhook REST API.
type DiscordResponder struct {
	baseURL string
	appID   string
	http    *http.Client
}

func NewDiscordResponder(baseURL, appID string, client *http.Client) *DiscordResponder {
	if baseURL == "" {
		baseURL = DefaultDiscordAPI
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscordResponder{baseURL: strings.TrimRight(baseURL, "/"), appID: appID, http: client}
}

type callbackBody struct {
	Type int          `json:"type"`
	Data *messageBody `json:"data,omitempty"`
}

type messageBody struct {
	Content string `json:"content,omitempty"`
	Flags   int    `json:"flags,omitempty"`
}

func toBody(msg Message) *messageBody {
	b := &messageBody{Content: msg.Content}
	if msg.Ephemeral {
		b.Flags = flagEphemeral
	}
	return b
}

func (d *DiscordResponder) Defer(ctx context.Context, req Request, ephemeral bool) error {
	body := callbackBody{Type: callbackDeferredChannelMessage}
	if ephemeral {
		body.Data = &messageBody{Flags: flagEphemeral}
	}
	return d.do(ctx, http.MethodPost, d.callbackURL(req), body)
}

func (d *DiscordResponder) Reply(ctx context.Context, req Request, msg Message) error {
	return d.do(ctx, http.MethodPost, d.callbackURL(req), callbackBody{Type: callbackChannelMessage, Data: toBody(msg)})
}

func (d *DiscordResponder) EditOriginal(ctx context.Context, req Request, msg Message) error {
	url := fmt.Sprintf("%s/webhooks/%s/%s/messages/@original", d.baseURL, d.appID, req.Token)
	return d.do(ctx, http.MethodPatch, url, messageBody{Content: msg.Content})
}

func (d *DiscordResponder) FollowUp(ctx context.Context, req Request, msg Message) error {
	url := fmt.Sprintf("%s/webhooks/%s/%s", d.baseURL, d.appID, req.Token)
	return d.do(ctx, http.MethodPost, url, toBody(msg))
}

func (d *DiscordResponder) callbackURL(req Request) string {
	return fmt.Sprintf("%s/interactions/%s/%s/callback", d.baseURL, req.ID, req.Token)
}

type discordError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *DiscordResponder) do(ctx context.Context, method, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var de discordError
	_ = json.Unmarshal(body, &de)

	switch de.Code {
	case discordErrAlreadyAcked:
		return common.NewError(common.CodeAlreadyAcknowledged, de.Message, nil)
	case discordErrUnknownInteraction:
		return common.NewError(common.CodeInteractionExpired, de.Message, nil)
	}
	return fmt.Errorf("discord %s %s: status %d: %s", method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
}
