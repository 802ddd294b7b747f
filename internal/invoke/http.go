package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/opentalon/conductor/internal/worker"
)

const maxResponseBody = 4 * 1024 * 1024 // 4MB

// HTTPInvoker posts the request envelope as JSON to the worker's endpoint.
// The per-call deadline comes from the context; the client itself has no
// timeout so that every worker keeps its own budget.
type HTTPInvoker struct {
	client *http.Client

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithRateLimit caps calls per second to each individual worker. A zero
// limit disables limiting.
func WithRateLimit(perSecond float64, burst int) HTTPOption {
	return func(h *HTTPInvoker) {
		h.limit = rate.Limit(perSecond)
		if burst < 1 {
			burst = 1
		}
		h.burst = burst
	}
}

func NewHTTPInvoker(opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		client:   &http.Client{},
		limiters: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTPInvoker) limiter(name string) *rate.Limiter {
	if h.limit <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[name]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[name] = l
	}
	return l
}

func (h *HTTPInvoker) Invoke(ctx context.Context, w worker.Metadata, req Request) Response {
	if l := h.limiter(w.Name); l != nil {
		if err := l.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				// Wait refuses up front when the next token lies past the deadline.
				return Failure(req, KindTimeout, fmt.Sprintf("worker %q rate limited beyond its %s budget", w.Name, w.Timeout()))
			}
			return contextFailure(ctx, req, w, fmt.Errorf("rate limit: %w", err))
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Failure(req, KindTransport, fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Failure(req, KindTransport, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return contextFailure(ctx, req, w, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return contextFailure(ctx, req, w, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return Failure(req, KindTransport, fmt.Sprintf("HTTP %d calling %s", httpResp.StatusCode, w.Endpoint))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return malformed(req, fmt.Sprintf("decode body from %s: %v", w.Endpoint, err))
	}
	return resp
}

// contextFailure classifies err, preferring the context's own verdict so that
// an expired budget reads as a timeout rather than a connection error.
func contextFailure(ctx context.Context, req Request, w worker.Metadata, err error) Response {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return Failure(req, KindTimeout, fmt.Sprintf("worker %q timed out after %s", w.Name, w.Timeout()))
	case errors.Is(ctx.Err(), context.Canceled):
		return Failure(req, KindCancelled, fmt.Sprintf("worker %q call cancelled", w.Name))
	default:
		return Failure(req, KindTransport, err.Error())
	}
}
