// Package ipfs uploads bytes to a content-addressed node, pins them and
// resolves a gateway URL for retrieval.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "memoryweaver/ipfs"

var (
	// ErrForbidden is returned when every strategy was rejected with 403.
	ErrForbidden = errors.New("ipfs: every auth strategy was rejected")
	// ErrUploadFailed is returned when all attempts are exhausted.
	ErrUploadFailed = errors.New("ipfs: upload failed")
)

// Observer receives one call per delivery attempt. outcome is "success",
// "forbidden" or "error".
type Observer interface {
	RecordIPFSAttempt(strategy, outcome string)
}

// Options configures a Client.
type Options struct {
	APIURL string
	// GatewayTemplate resolves retrieval URLs; "{cid}" and "{filename}"
	// are substituted. Without "{cid}" the cid is appended as a path segment.
	GatewayTemplate string
	Retries         int
	UploadTimeout   time.Duration
	ProbeTimeout    time.Duration
	Pin             bool
	// BackoffBase is multiplied by 2^attempt between attempts.
	BackoffBase time.Duration
	// ProbeOrigin is sent with the CORS preflight probe.
	ProbeOrigin string
	Strategies  []Strategy
	HTTPClient  *http.Client
	Logger      logging.Logger
	Observer    Observer
}

// Failure records one rejected delivery.
type Failure struct {
	Attempt  int    `json:"attempt"`
	Strategy string `json:"strategy"`
	Status   int    `json:"status,omitempty"`
	Error    string `json:"error"`
}

// UploadResult describes a successful upload.
type UploadResult struct {
	CID      string    `json:"cid"`
	URL      string    `json:"url"`
	Size     int64     `json:"size"`
	Strategy string    `json:"strategy"`
	Attempts int       `json:"attempts"`
	Pinned   bool      `json:"pinned"`
	PinError string    `json:"pin_error,omitempty"`
	Failures []Failure `json:"failures,omitempty"`
}

// Client talks to a Kubo-compatible HTTP RPC endpoint.
type Client struct {
	opts       Options
	http       *http.Client
	strategies []Strategy
	logger     logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	preferred string
}

// NewClient validates opts and fills defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.APIURL == "" {
		return nil, errors.New("ipfs: api url is required")
	}
	if _, err := url.Parse(opts.APIURL); err != nil {
		return nil, fmt.Errorf("ipfs: invalid api url: %w", err)
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 60 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.GatewayTemplate == "" {
		opts.GatewayTemplate = "https://ipfs.io/ipfs/{cid}"
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies("", "", "")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Client{
		opts:       opts,
		http:       hc,
		strategies: opts.Strategies,
		logger:     logger.With("module", "ipfs"),
		sleep:      sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PreferredStrategy returns the strategy that last succeeded, if any.
func (c *Client) PreferredStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.preferred
}

// orderedStrategies puts the cached winner first and keeps the rest in
// their configured order.
func (c *Client) orderedStrategies() []Strategy {
	preferred := c.PreferredStrategy()
	if preferred == "" {
		return c.strategies
	}
	out := make([]Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		if s.Name == preferred {
			out = append(out, s)
		}
	}
	for _, s := range c.strategies {
		if s.Name != preferred {
			out = append(out, s)
		}
	}
	return out
}

func (c *Client) strategyByName(name string) Strategy {
	for _, s := range c.strategies {
		if s.Name == name {
			return s
		}
	}
	return c.strategies[0]
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := strings.TrimRight(c.opts.APIURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// Upload delivers data to the node and, when enabled, pins it. Pin failures
// are logged and reported in the result but never fail the upload.
func (c *Client) Upload(ctx context.Context, data []byte, filename string) (*UploadResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ipfs.upload")
	defer span.End()
	span.SetAttributes(attribute.String("ipfs.filename", filename), attribute.Int("ipfs.size", len(data)))

	body, contentType, err := buildMultipart(filename, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := c.deliver(ctx, body, contentType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Size == 0 {
		res.Size = int64(len(data))
	}
	res.URL = c.GatewayURL(res.CID, filename)

	if c.opts.Pin {
		pinned, perr := c.Pin(ctx, res.CID)
		res.Pinned = pinned
		if perr != nil {
			res.PinError = perr.Error()
			c.logger.Warn(ctx, "pin failed, content stays retrievable", "cid", res.CID, "error", perr)
		}
	}

	span.SetAttributes(attribute.String("ipfs.cid", res.CID), attribute.String("ipfs.strategy", res.Strategy))
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (c *Client) deliver(ctx context.Context, body []byte, contentType string) (*UploadResult, error) {
	res := &UploadResult{}
	order := c.orderedStrategies()
	target := c.endpoint("/api/v0/add", url.Values{"pin": {"false"}, "cid-version": {"1"}})

	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		res.Attempts = attempt
		forbidden := 0

		for _, s := range order {
			added, err := c.postAdd(ctx, target, s, body, contentType)
			if err == nil {
				res.CID = added.Hash
				if n, perr := strconv.ParseInt(added.Size, 10, 64); perr == nil {
					res.Size = n
				}
				res.Strategy = s.Name
				c.observe(s.Name, "success")
				c.mu.Lock()
				c.preferred = s.Name
				c.mu.Unlock()
				c.logger.Debug(ctx, "upload accepted", "strategy", s.Name, "attempt", attempt, "cid", added.Hash)
				return res, nil
			}

			f := Failure{Attempt: attempt, Strategy: s.Name, Error: err.Error()}
			var se *statusError
			if errors.As(err, &se) {
				f.Status = se.status
			}
			res.Failures = append(res.Failures, f)

			if f.Status == http.StatusForbidden {
				forbidden++
				c.observe(s.Name, "forbidden")
				continue
			}
			c.observe(s.Name, "error")
			if ctx.Err() != nil {
				return res, fmt.Errorf("%w: %w", ErrUploadFailed, ctx.Err())
			}
		}

		if forbidden == len(order) {
			return res, ErrForbidden
		}
		if attempt == c.opts.Retries {
			break
		}

		delay := time.Duration(math.Pow(2, float64(attempt))) * c.opts.BackoffBase
		c.logger.Warn(ctx, "all strategies failed, backing off", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("%w: %w", ErrUploadFailed, err)
		}
	}

	last := "no strategies configured"
	if n := len(res.Failures); n > 0 {
		last = res.Failures[n-1].Error
	}
	return res, fmt.Errorf("%w after %d attempts: %s", ErrUploadFailed, res.Attempts, last)
}

func (c *Client) postAdd(ctx context.Context, target string, s Strategy, body []byte, contentType string) (*addResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	s.Apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(raw), 200)}
	}

	// Kubo streams one JSON object per added entry; the last one is the root.
	var added addResponse
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var next addResponse
		if err := dec.Decode(&next); err != nil {
			return nil, fmt.Errorf("decode add response: %w", err)
		}
		added = next
	}
	if added.Hash == "" {
		return nil, errors.New("add response carries no hash")
	}
	return &added, nil
}

// Pin asks the node to keep cid beyond garbage collection.
func (c *Client) Pin(ctx context.Context, cid string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	target := c.endpoint("/api/v0/pin/add", url.Values{"arg": {cid}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false, err
	}
	c.strategyByName(c.PreferredStrategy()).Apply(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("pin request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return false, &statusError{status: resp.StatusCode, body: truncate(string(raw), 200)}
	}

	var out struct {
		Pins []string `json:"Pins"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("decode pin response: %w", err)
	}
	for _, p := range out.Pins {
		if p == cid {
			return true, nil
		}
	}
	return false, fmt.Errorf("cid %s missing from pin response", cid)
}

// GatewayURL resolves the retrieval URL for cid.
func (c *Client) GatewayURL(cid, filename string) string {
	tmpl := c.opts.GatewayTemplate
	if !strings.Contains(tmpl, "{cid}") {
		return strings.TrimRight(tmpl, "/") + "/" + cid
	}
	out := strings.ReplaceAll(tmpl, "{cid}", cid)
	return strings.ReplaceAll(out, "{filename}", url.PathEscape(filename))
}

func (c *Client) observe(strategy, outcome string) {
	if c.opts.Observer != nil {
		c.opts.Observer.RecordIPFSAttempt(strategy, outcome)
	}
}

func buildMultipart(filename string, data []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
