package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 5,
	}
}

// ExhaustedError is returned when every provider in a chain failed or was
// cooling down.
type ExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all providers exhausted, attempted: %v", e.Attempted)
	}
	return fmt.Sprintf("all providers exhausted, attempted: %v: %v", e.Attempted, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type cooldown struct {
	errors int
	until  time.Time
}

// Failover sends each request to the first provider of its chain that is not
// cooling down. Rate limits, auth failures, server errors and transport
// errors move on to the next provider and put the failing one in cooldown;
// other errors are returned as is.
type Failover struct {
	chain  []Provider
	config CooldownConfig
	now    func() time.Time

	mu    sync.Mutex
	state map[string]*cooldown
}

func NewFailover(chain []Provider, cfg CooldownConfig) *Failover {
	return &Failover{
		chain:  chain,
		config: cfg,
		now:    time.Now,
		state:  make(map[string]*cooldown),
	}
}

func (f *Failover) ID() string {
	ids := make([]string, len(f.chain))
	for i, p := range f.chain {
		ids[i] = p.ID()
	}
	return "failover(" + strings.Join(ids, ",") + ")"
}

func (f *Failover) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	attempted := make([]string, 0, len(f.chain))
	var last error
	for _, p := range f.chain {
		if f.coolingDown(p.ID()) {
			continue
		}
		attempted = append(attempted, p.ID())

		resp, err := p.Complete(ctx, req)
		if err == nil {
			f.reset(p.ID())
			return resp, nil
		}
		if ctx.Err() != nil || !Retryable(err) {
			return nil, err
		}
		f.putInCooldown(p.ID())
		last = err
	}
	return nil, &ExhaustedError{Attempted: attempted, Last: last}
}

// Retryable reports whether another provider might succeed where this one
// failed.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case 401, 403, 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func (f *Failover) coolingDown(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.state[id]
	return ok && f.now().Before(c.until)
}

func (f *Failover) putInCooldown(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.state[id]
	if !ok {
		c = &cooldown{}
		f.state[id] = c
	}
	c.errors++
	c.until = f.now().Add(f.duration(c.errors))
}

func (f *Failover) reset(id string) {
	f.mu.Lock()
	delete(f.state, id)
	f.mu.Unlock()
}

func (f *Failover) duration(errorCount int) time.Duration {
	d := f.config.Initial
	for i := 1; i < errorCount; i++ {
		d *= time.Duration(f.config.Multiplier)
		if d > f.config.Max {
			return f.config.Max
		}
	}
	return d
}
