// Package origin fetches chunk byte ranges from the HTTP server hosting the
// file.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tarun-kavipurapu/waggle/pkg/swarm"
)

// ErrNotPartial is returned for any answer other than 206 Partial Content.
var ErrNotPartial = errors.New("origin did not answer with partial content")

type Config struct {
	HTTPClient *http.Client
	// RequestsPerSecond caps origin requests; zero means no cap.
	RequestsPerSecond float64
	// Post runs completion callbacks on the owner's goroutine. Nil runs them
	// on the fetching goroutine.
	Post func(func())
}

type Client struct {
	ctx     context.Context
	http    *http.Client
	limiter *rate.Limiter
	post    func(func())
}

// New returns a client whose requests are cancelled with ctx.
func New(ctx context.Context, cfg Config) *Client {
	c := &Client{
		ctx:     ctx,
		http:    cfg.HTTPClient,
		limiter: rate.NewLimiter(rate.Inf, 0),
		post:    cfg.Post,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if c.post == nil {
		c.post = func(fn func()) { fn() }
	}
	return c
}

// Fetch downloads the chunk's range in the background and reports through
// done on the owner's goroutine.
func (c *Client) Fetch(s *swarm.Swarm, ch *swarm.Chunk, done func([]byte, error)) {
	go func() {
		data, err := c.FetchRange(c.ctx, s.FileURL(), ch.Range())
		c.post(func() { done(data, err) })
	}()
}

// FetchRange performs GET url with Range: bytes=byteRange.
func (c *Client) FetchRange(ctx context.Context, url, byteRange string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes="+byteRange)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("GET %s bytes=%s: %s: %w", url, byteRange, resp.Status, ErrNotPartial)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s bytes=%s: %w", url, byteRange, err)
	}
	return data, nil
}

// Size asks the origin for the file length with a HEAD request.
func (c *Client) Size(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HEAD %s: %s", url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("HEAD %s: no content length", url)
	}
	return resp.ContentLength, nil
}
