package invoke

import (
	"context"
	"fmt"
	"log"
	"unicode/utf8"

	"github.com/opentalon/conductor/internal/worker"
)

const DefaultMaxResultBytes = 64 * 1024 // 64KB

// Invoker performs one call to one worker. Implementations never return a Go
// error: every failure is reported as a Response with Status error.
type Invoker interface {
	Invoke(ctx context.Context, w worker.Metadata, req Request) Response
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, w worker.Metadata, req Request) Response

func (f InvokerFunc) Invoke(ctx context.Context, w worker.Metadata, req Request) Response {
	return f(ctx, w, req)
}

// Dispatcher picks the transport for a worker, enforces the worker's timeout
// budget around it and normalizes whatever comes back.
//
// Routing:
//   - Simulated workers always go to Fixtures.
//   - network workers with an endpoint go to HTTP.
//   - local-process workers with a command go to Process.
//   - anything else goes to Fixtures.
type Dispatcher struct {
	HTTP     Invoker
	Process  Invoker
	Fixtures Invoker

	MaxResultBytes int
}

// NewDispatcher returns a dispatcher with a default HTTP transport and the
// built-in fixtures. Process is left nil until a local-process host is wired.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		HTTP:           NewHTTPInvoker(),
		Fixtures:       NewFixtureInvoker(nil),
		MaxResultBytes: DefaultMaxResultBytes,
	}
}

func (d *Dispatcher) route(w worker.Metadata) (Invoker, string) {
	if w.Simulated {
		return d.Fixtures, "fixture"
	}
	switch w.Transport {
	case worker.TransportNetwork:
		if w.Endpoint != "" && d.HTTP != nil {
			return d.HTTP, "http"
		}
	case worker.TransportProcess:
		if w.Command != "" && d.Process != nil {
			return d.Process, "process"
		}
	}
	return d.Fixtures, "fixture"
}

// Transport reports which transport would serve w.
func (d *Dispatcher) Transport(w worker.Metadata) string {
	_, name := d.route(w)
	return name
}

func (d *Dispatcher) Invoke(ctx context.Context, w worker.Metadata, req Request) Response {
	inv, _ := d.route(w)
	if inv == nil {
		return Failure(req, KindTransport, fmt.Sprintf("no transport configured for worker %q", w.Name))
	}
	resp := d.withBudget(ctx, inv, w, req)
	resp = Normalize(req, resp)
	return d.truncate(resp)
}

// withBudget runs the call under the worker's timeout. The transport gets a
// context carrying the deadline; if it ignores it, the result is abandoned.
func (d *Dispatcher) withBudget(ctx context.Context, inv Invoker, w worker.Metadata, req Request) Response {
	budget := w.Timeout()
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("invoke: %s panicked: %v", w.Name, r)
				done <- Failure(req, KindTransport, fmt.Sprintf("worker transport panicked: %v", r))
			}
		}()
		done <- inv.Invoke(callCtx, w, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Failure(req, KindCancelled, fmt.Sprintf("worker %q call cancelled: %v", w.Name, ctx.Err()))
		}
		return Failure(req, KindTimeout, fmt.Sprintf("worker %q timed out after %s", w.Name, budget))
	}
}

func (d *Dispatcher) truncate(resp Response) Response {
	if d.MaxResultBytes <= 0 || resp.Output == nil {
		return resp
	}
	s, ok := resp.Output.Result.(string)
	if !ok || len(s) <= d.MaxResultBytes {
		return resp
	}
	// Cut on a rune boundary so the result stays valid UTF-8.
	cut := d.MaxResultBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	out := *resp.Output
	out.Result = s[:cut] + "\n[truncated: result exceeded size limit]"
	resp.Output = &out
	return resp
}
