package netx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrTooLarge is returned when a download exceeds its ceiling.
var ErrTooLarge = errors.New("download exceeds size limit")

// Download is a fetched body with the server's declared type.
type Download struct {
	Data        []byte
	ContentType string
}

// Fetch downloads url, refusing bodies larger than limit bytes.
func Fetch(ctx context.Context, client *http.Client, url string, limit int64) (*Download, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download failed: %s; body: %s", resp.Status, string(b))
	}
	if limit > 0 && resp.ContentLength > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, resp.ContentLength, limit)
	}

	r := io.Reader(resp.Body)
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	return &Download{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}
