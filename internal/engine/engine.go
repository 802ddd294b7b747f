// Package engine executes validated plans: it orders steps, resolves their
// inputs, invokes workers and records exactly one outcome per step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/worker"
)

// Directory resolves worker names. *worker.Directory implements it.
type Directory interface {
	Lookup(name string) (worker.Metadata, error)
}

type Engine struct {
	invoker        invoke.Invoker
	maxConcurrency int
	observers      []Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrency lets independent steps run in parallel, at most n at a
// time. Values below 2 keep strictly sequential execution.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithEngineObserver registers an observer for every Execute call.
func WithEngineObserver(obs Observer) Option {
	return func(e *Engine) {
		if obs != nil {
			e.observers = append(e.observers, obs)
		}
	}
}

func New(inv invoke.Invoker, opts ...Option) *Engine {
	e := &Engine{invoker: inv, maxConcurrency: 1}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs every step of p once and returns their outcomes. The only
// error it returns is a *plan.ValidationError for a malformed plan, in which
// case nothing was invoked. Step failures, including cancellation of ctx, are
// recorded in the result.
func (e *Engine) Execute(ctx context.Context, query string, p plan.Plan, dir Directory, base invoke.Context) (*Result, error) {
	if err := plan.Validate(p); err != nil {
		return nil, err
	}

	run := &execution{
		engine:    e,
		dir:       dir,
		base:      base.Clone(),
		resolver:  Resolver{Query: query},
		observers: append(append([]Observer(nil), e.observers...), observersFrom(ctx)...),
	}

	steps := p.Ordered()
	var outcomes []Outcome
	if e.maxConcurrency > 1 {
		outcomes = run.concurrent(ctx, steps, e.maxConcurrency)
	} else {
		outcomes = run.sequential(ctx, steps)
	}
	return NewResult(outcomes), nil
}

type execution struct {
	engine    *Engine
	dir       Directory
	base      invoke.Context
	resolver  Resolver
	observers []Observer
}

func (x *execution) sequential(ctx context.Context, steps []plan.Step) []Outcome {
	outcomes := make([]Outcome, 0, len(steps))
	completed := make(map[int]invoke.Response, len(steps))
	for _, step := range steps {
		o := x.runStep(ctx, step, completed)
		completed[step.ID] = o.Response
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// concurrent runs the plan in waves. A step joins a wave once the step it
// references has finished, or at once when that step is not in the plan, so
// every wave reads completed without anyone writing to it. Each goroutine
// writes only its own outcome slot.
func (x *execution) concurrent(ctx context.Context, steps []plan.Step, limit int) []Outcome {
	outcomes := make([]Outcome, len(steps))
	completed := make(map[int]invoke.Response, len(steps))

	planned := make(map[int]bool, len(steps))
	pending := make([]int, len(steps))
	for i, s := range steps {
		planned[s.ID] = true
		pending[i] = i
	}

	for len(pending) > 0 {
		var wave, rest []int
		for _, i := range pending {
			if ref, _, ok := steps[i].Input.Reference(); ok && planned[ref] {
				if _, done := completed[ref]; !done {
					rest = append(rest, i)
					continue
				}
			}
			wave = append(wave, i)
		}

		var g errgroup.Group
		g.SetLimit(limit)
		for _, i := range wave {
			g.Go(func() error {
				outcomes[i] = x.runStep(ctx, steps[i], completed)
				return nil
			})
		}
		_ = g.Wait()

		for _, i := range wave {
			completed[steps[i].ID] = outcomes[i].Response
		}
		pending = rest
	}
	return outcomes
}

// runStep drives one step to a terminal state. It never panics out and never
// returns without a response.
func (x *execution) runStep(ctx context.Context, step plan.Step, completed map[int]invoke.Response) Outcome {
	start := time.Now()
	for _, obs := range x.observers {
		obs.StepStarted(step)
	}

	o := x.advance(ctx, step, completed)
	o.Duration = time.Since(start)

	if !o.Response.IsSuccess() {
		log.Printf("engine: step %d %s/%s %s: %s: %s",
			step.ID, step.Worker, step.Intent, o.State, o.Response.Error.Kind, o.Response.Error.Message)
	}
	for _, obs := range x.observers {
		obs.StepFinished(o, o.Duration)
	}
	return o
}

func (x *execution) advance(ctx context.Context, step plan.Step, completed map[int]invoke.Response) Outcome {
	o := Outcome{
		StepID: step.ID,
		Worker: step.Worker,
		Intent: step.Intent,
		Input:  step.Input.String(),
		State:  StatePending,
	}
	req := invoke.NewRequest(step.Worker, step.Intent, "", x.base)

	if err := ctx.Err(); err != nil {
		o.State = StateCancelled
		o.Response = invoke.Failure(req, invoke.KindCancelled, fmt.Sprintf("step %d not started: %v", step.ID, err))
		return o
	}

	meta, err := x.dir.Lookup(step.Worker)
	if err != nil {
		var nf *worker.NotFoundError
		if !errors.As(err, &nf) {
			err = fmt.Errorf("lookup %q: %w", step.Worker, err)
		}
		o.State = StateSkippedNotFound
		o.Response = invoke.Failure(req, invoke.KindWorkerNotFound, err.Error())
		return o
	}

	o.State = StateResolving
	text, err := x.resolver.Resolve(step.Input, completed)
	if err != nil {
		o.State = StateResolutionFailed
		o.Response = invoke.Failure(req, invoke.KindDependencyUnresolved, fmt.Sprintf("step %d: %v", step.ID, err))
		return o
	}
	o.State = StateResolved
	req.Input.Text = text

	o.State = StateInvoking
	resp := invoke.Normalize(req, x.invoke(ctx, meta, req))
	o.Response = resp
	if resp.IsSuccess() {
		o.State = StateSucceeded
	} else {
		o.State = StateInvokeFailed
	}
	return o
}

func (x *execution) invoke(ctx context.Context, meta worker.Metadata, req invoke.Request) (resp invoke.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = invoke.Failure(req, invoke.KindTransport, fmt.Sprintf("invoker panicked: %v", r))
		}
	}()
	return x.engine.invoker.Invoke(ctx, meta, req)
}
