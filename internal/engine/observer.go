package engine

import (
	"context"
	"time"

	"github.com/opentalon/conductor/internal/plan"
)

// Observer is notified as steps start and finish. With concurrent execution
// calls arrive from several goroutines, so implementations must be safe for
// concurrent use.
type Observer interface {
	StepStarted(step plan.Step)
	StepFinished(o Outcome, elapsed time.Duration)
}

type observerKey struct{}

// WithObserver returns a context that carries obs for a single Execute call,
// in addition to the observers configured on the engine.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	if obs == nil {
		return ctx
	}
	return context.WithValue(ctx, observerKey{}, append(observersFrom(ctx), obs))
}

func observersFrom(ctx context.Context) []Observer {
	if ctx == nil {
		return nil
	}
	obs, _ := ctx.Value(observerKey{}).([]Observer)
	return append([]Observer(nil), obs...)
}
