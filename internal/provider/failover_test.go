package provider

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockProvider struct {
	id        string
	callCount int
	err       error
}

func (m *mockProvider) ID() string { return m.id }
func (m *mockProvider) Complete(_ context.Context, _ *CompletionRequest) (*CompletionResponse, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	return &CompletionResponse{Content: "ok from " + m.id}, nil
}

func TestFailoverFirstSucceeds(t *testing.T) {
	a, b := &mockProvider{id: "a"}, &mockProvider{id: "b"}
	f := NewFailover([]Provider{a, b}, DefaultCooldownConfig())
	resp, err := f.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ok from a" || b.callCount != 0 {
		t.Errorf("resp = %q, b calls = %d", resp.Content, b.callCount)
	}
}

func TestFailoverOnRateLimit(t *testing.T) {
	a := &mockProvider{id: "a", err: &StatusError{API: "x", StatusCode: 429}}
	b := &mockProvider{id: "b"}
	f := NewFailover([]Provider{a, b}, DefaultCooldownConfig())

	for i := 0; i < 2; i++ {
		resp, err := f.Complete(context.Background(), &CompletionRequest{})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Content != "ok from b" {
			t.Errorf("resp = %q", resp.Content)
		}
	}
	if a.callCount != 1 {
		t.Errorf("a should be cooling down after one failure, calls = %d", a.callCount)
	}
}

func TestFailoverNonRetryableStops(t *testing.T) {
	a := &mockProvider{id: "a", err: &StatusError{API: "x", StatusCode: 400}}
	b := &mockProvider{id: "b"}
	f := NewFailover([]Provider{a, b}, DefaultCooldownConfig())
	_, err := f.Complete(context.Background(), &CompletionRequest{})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 400 {
		t.Fatalf("err = %v", err)
	}
	if b.callCount != 0 {
		t.Error("fallback called for a non-retryable error")
	}
}

func TestFailoverExhausted(t *testing.T) {
	a := &mockProvider{id: "a", err: &StatusError{API: "x", StatusCode: 503}}
	b := &mockProvider{id: "b", err: errors.New("connection refused")}
	f := NewFailover([]Provider{a, b}, DefaultCooldownConfig())
	_, err := f.Complete(context.Background(), &CompletionRequest{})
	var ee *ExhaustedError
	if !errors.As(err, &ee) || len(ee.Attempted) != 2 {
		t.Fatalf("err = %v", err)
	}

	// Both are cooling down now.
	_, err = f.Complete(context.Background(), &CompletionRequest{})
	if !errors.As(err, &ee) || len(ee.Attempted) != 0 {
		t.Fatalf("err = %v", err)
	}
}

func TestFailoverCooldownExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &mockProvider{id: "a", err: &StatusError{API: "x", StatusCode: 500}}
	f := NewFailover([]Provider{a}, CooldownConfig{Initial: time.Minute, Max: time.Hour, Multiplier: 5})
	f.now = func() time.Time { return now }

	f.Complete(context.Background(), &CompletionRequest{})
	now = now.Add(30 * time.Second)
	f.Complete(context.Background(), &CompletionRequest{})
	if a.callCount != 1 {
		t.Fatalf("called during cooldown: %d", a.callCount)
	}
	now = now.Add(time.Minute)
	f.Complete(context.Background(), &CompletionRequest{})
	if a.callCount != 2 {
		t.Fatalf("not retried after cooldown: %d", a.callCount)
	}
}

func TestCooldownExponentialBackoff(t *testing.T) {
	f := NewFailover(nil, CooldownConfig{Initial: time.Minute, Max: time.Hour, Multiplier: 5})
	want := []time.Duration{time.Minute, 5 * time.Minute, 25 * time.Minute, time.Hour, time.Hour}
	for i, w := range want {
		if got := f.duration(i + 1); got != w {
			t.Errorf("errors=%d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&StatusError{StatusCode: 429}, true},
		{&StatusError{StatusCode: 401}, true},
		{&StatusError{StatusCode: 502}, true},
		{&StatusError{StatusCode: 400}, false},
		{errors.New("dial tcp: connection refused"), true},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := Retryable(c.err); got != c.want {
			t.Errorf("Retryable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
