// Package orchestrator runs one query end to end: small-talk screening,
// planning, plan execution, answer synthesis and history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/conductor/internal/answer"
	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/general"
	"github.com/opentalon/conductor/internal/history"
	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/planner"
	"github.com/opentalon/conductor/internal/worker"
)

var ErrEmptyQuery = errors.New("query cannot be empty")

type Orchestrator struct {
	workers     worker.Source
	planner     planner.Planner
	engine      *engine.Engine
	synthesizer *answer.Synthesizer

	general *general.Handler
	history history.Store
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Orchestrator)

// WithGeneral screens queries before planning. Without it every query is
// planned.
func WithGeneral(h *general.Handler) Option {
	return func(o *Orchestrator) { o.general = h }
}

func WithHistory(s history.Store) Option {
	return func(o *Orchestrator) { o.history = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(workers worker.Source, p planner.Planner, e *engine.Engine, s *answer.Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		workers:     workers,
		planner:     p,
		engine:      e,
		synthesizer: s,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Workers returns the directory currently in use.
func (o *Orchestrator) Workers() *worker.Directory {
	return o.workers.Current()
}

// Handle answers q. It fails only for an empty query, a planner error or a
// plan that does not validate (*plan.ValidationError); worker failures are
// part of the reply.
func (o *Orchestrator) Handle(ctx context.Context, q Query) (*Reply, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if q.ConversationID == "" {
		q.ConversationID = uuid.NewString()
	}

	if o.general != nil {
		if out := o.general.Handle(text); out.Kind != general.KindNone {
			reply := &Reply{
				Answer:              out.Answer,
				ConversationID:      q.ConversationID,
				Kind:                out.Kind,
				UsedWorkers:         []engine.UsedWorker{},
				IntermediateResults: map[string]invoke.Response{},
			}
			if o.metrics != nil {
				o.metrics.ObserveShortCircuit(string(out.Kind))
			}
			o.remember(ctx, q, reply)
			return reply, nil
		}
	}

	dir := o.workers.Current()
	p, err := o.planner.Plan(ctx, text, dir.List())
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	base := invoke.Context{
		UserID:         q.UserID,
		ConversationID: q.ConversationID,
		Timestamp:      o.now().UTC().Format(time.RFC3339),
		Attachments:    q.Attachments,
	}
	res, err := o.engine.Execute(ctx, text, p, dir, base)
	if o.metrics != nil {
		o.metrics.ObservePlan(res)
	}
	if err != nil {
		return nil, err
	}

	reply := &Reply{
		Answer:              o.synthesizer.Compose(ctx, text, res),
		ConversationID:      q.ConversationID,
		Kind:                general.KindNone,
		UsedWorkers:         res.UsedWorkers,
		IntermediateResults: make(map[string]invoke.Response, len(res.Outcomes)),
	}
	for _, out := range res.Outcomes {
		reply.IntermediateResults[fmt.Sprintf("step_%d", out.StepID)] = out.Response
	}
	if q.Options.Debug {
		reply.Plan = &p
		reply.Outcomes = res.Outcomes
	}
	o.remember(ctx, q, reply)
	return reply, nil
}

func (o *Orchestrator) remember(ctx context.Context, q Query, r *Reply) {
	if o.history == nil {
		return
	}
	err := o.history.Append(ctx, history.Turn{
		ConversationID: q.ConversationID,
		UserID:         q.UserID,
		Query:          q.Text,
		Answer:         r.Answer,
		UsedWorkers:    r.UsedWorkers,
		CreatedAt:      o.now(),
	})
	if err != nil {
		log.Printf("orchestrator: history append for %s: %v", q.ConversationID, err)
	}
}
