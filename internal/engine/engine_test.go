package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/plan"
	"github.com/opentalon/conductor/internal/worker"
)

// recordingInvoker answers from a per-worker function table and records
// every request it receives.
type recordingInvoker struct {
	mu       sync.Mutex
	requests []invoke.Request
	answer   map[string]func(req invoke.Request) invoke.Response
}

func newRecorder() *recordingInvoker {
	return &recordingInvoker{answer: make(map[string]func(invoke.Request) invoke.Response)}
}

func (r *recordingInvoker) Invoke(_ context.Context, w worker.Metadata, req invoke.Request) invoke.Response {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	fn := r.answer[w.Name]
	r.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return invoke.Success(req, invoke.Output{Result: "ok from " + w.Name})
}

func (r *recordingInvoker) requestFor(workerName string) (invoke.Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range r.requests {
		if req.WorkerName == workerName {
			return req, true
		}
	}
	return invoke.Request{}, false
}

func (r *recordingInvoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func testDirectory(t *testing.T, names ...string) *worker.Directory {
	t.Helper()
	ws := make([]worker.Metadata, len(names))
	for i, n := range names {
		ws[i] = worker.Metadata{Name: n, Intents: []string{n + ".run"}}
	}
	d, err := worker.NewDirectory(ws)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func step(id int, w string, src plan.InputSource) plan.Step {
	return plan.Step{ID: id, Worker: w, Intent: w + ".run", Input: src}
}

func TestSummaryThenDeadlineScenario(t *testing.T) {
	rec := newRecorder()
	rec.answer["summarizer"] = func(req invoke.Request) invoke.Response {
		return invoke.Success(req, invoke.Output{Result: "Summary: ...", Confidence: invoke.Confidence(0.92)})
	}
	dir := testDirectory(t, "summarizer", "deadline_guardian")
	p := plan.Plan{Steps: []plan.Step{
		{ID: 0, Worker: "summarizer", Intent: "summary.create", Input: plan.OriginalQuery()},
		{ID: 1, Worker: "deadline_guardian", Intent: "deadline.monitor", Input: plan.StepOutput(0)},
	}}

	res, err := New(rec).Execute(context.Background(), "Summarize the launch doc", p, dir, invoke.Context{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	first, _ := rec.requestFor("summarizer")
	if first.Input.Text != "Summarize the launch doc" {
		t.Errorf("step 0 input = %q", first.Input.Text)
	}
	second, ok := rec.requestFor("deadline_guardian")
	if !ok {
		t.Fatal("step 1 never invoked")
	}
	if second.Input.Text != "Summary: ..." {
		t.Errorf("step 1 input = %q", second.Input.Text)
	}
	if first.ID == second.ID || first.ID == "" {
		t.Errorf("request ids not fresh: %q %q", first.ID, second.ID)
	}

	want := []UsedWorker{
		{Name: "summarizer", Intent: "summary.create", Status: invoke.StatusSuccess},
		{Name: "deadline_guardian", Intent: "deadline.monitor", Status: invoke.StatusSuccess},
	}
	if len(res.UsedWorkers) != len(want) {
		t.Fatalf("UsedWorkers = %+v", res.UsedWorkers)
	}
	for i := range want {
		if res.UsedWorkers[i] != want[i] {
			t.Errorf("UsedWorkers[%d] = %+v, want %+v", i, res.UsedWorkers[i], want[i])
		}
	}
}

func TestExactlyOneOutcomePerStep(t *testing.T) {
	rec := newRecorder()
	rec.answer["b"] = func(req invoke.Request) invoke.Response {
		return invoke.Failure(req, "worker_error", "nope")
	}
	dir := testDirectory(t, "a", "b", "c")
	p := plan.Plan{Steps: []plan.Step{
		step(3, "c", plan.StepOutput(1)),
		step(0, "a", plan.OriginalQuery()),
		step(1, "b", plan.StepOutput(0)),
		step(2, "missing", plan.OriginalQuery()),
	}}
	res, err := New(rec).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outcomes) != 4 {
		t.Fatalf("outcomes = %d", len(res.Outcomes))
	}
	for i, o := range res.Outcomes {
		if o.StepID != i {
			t.Errorf("outcome %d has step id %d", i, o.StepID)
		}
		if !o.State.Terminal() {
			t.Errorf("step %d state %s not terminal", o.StepID, o.State)
		}
		hasOut, hasErr := o.Response.Output != nil, o.Response.Error != nil
		if hasOut == hasErr {
			t.Errorf("step %d: output=%v error=%v", o.StepID, hasOut, hasErr)
		}
	}
	states := []StepState{StateSucceeded, StateInvokeFailed, StateSkippedNotFound, StateResolutionFailed}
	for i, want := range states {
		if res.Outcomes[i].State != want {
			t.Errorf("step %d state = %s, want %s", i, res.Outcomes[i].State, want)
		}
	}
}

func TestNoAbortOnFailure(t *testing.T) {
	rec := newRecorder()
	rec.answer["b"] = func(req invoke.Request) invoke.Response {
		return invoke.Failure(req, invoke.KindTransport, "connection refused")
	}
	dir := testDirectory(t, "a", "b", "c")
	p := plan.Plan{Steps: []plan.Step{
		step(0, "a", plan.OriginalQuery()),
		step(1, "b", plan.OriginalQuery()),
		step(2, "c", plan.OriginalQuery()),
	}}
	res, err := New(rec).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int{0, 2} {
		resp, ok := res.Response(id)
		if !ok || !resp.IsSuccess() {
			t.Errorf("step %d = %+v", id, resp)
		}
	}
	resp, _ := res.Response(1)
	if resp.Error == nil || resp.Error.Kind != invoke.KindTransport {
		t.Errorf("step 1 = %+v", resp)
	}
	if rec.count() != 3 {
		t.Errorf("invocations = %d", rec.count())
	}
}

func TestDependencyPropagation(t *testing.T) {
	rec := newRecorder()
	rec.answer["a"] = func(req invoke.Request) invoke.Response {
		return invoke.Failure(req, invoke.KindTimeout, "too slow")
	}
	dir := testDirectory(t, "a", "b")
	p := plan.Plan{Steps: []plan.Step{
		step(0, "a", plan.OriginalQuery()),
		step(1, "b", plan.StepOutput(0)),
	}}
	res, err := New(rec).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if _, invoked := rec.requestFor("b"); invoked {
		t.Error("dependent step was sent to the invoker")
	}
	resp, _ := res.Response(1)
	if resp.Error == nil || resp.Error.Kind != invoke.KindDependencyUnresolved {
		t.Fatalf("step 1 = %+v", resp)
	}
	if !strings.Contains(resp.Error.Message, "step 1") || !strings.Contains(resp.Error.Message, "step 0") {
		t.Errorf("message lacks causal chain: %q", resp.Error.Message)
	}
	if res.Outcomes[1].State != StateResolutionFailed {
		t.Errorf("state = %s", res.Outcomes[1].State)
	}
	if res.UsedWorkers[1].Status != invoke.StatusError {
		t.Errorf("used = %+v", res.UsedWorkers[1])
	}
}

func TestMissingReferenceAndEmptyWorkerFailPerStep(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{
		step(0, "a", plan.OriginalQuery()),
		step(2, "b", plan.StepOutput(1)),
		{ID: 3, Worker: "", Intent: "x", Input: plan.OriginalQuery()},
	}}
	for _, limit := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency %d", limit), func(t *testing.T) {
			rec := newRecorder()
			res, err := New(rec, WithMaxConcurrency(limit)).Execute(context.Background(), "q", p, testDirectory(t, "a", "b"), invoke.Context{})
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Outcomes) != 3 {
				t.Fatalf("outcomes = %+v", res.Outcomes)
			}
			if resp, _ := res.Response(0); !resp.IsSuccess() {
				t.Errorf("step 0 = %+v", resp)
			}
			resp, _ := res.Response(2)
			if resp.Error == nil || resp.Error.Kind != invoke.KindDependencyUnresolved {
				t.Errorf("step 2 = %+v", resp)
			}
			resp, _ = res.Response(3)
			if resp.Error == nil || resp.Error.Kind != invoke.KindWorkerNotFound {
				t.Errorf("step 3 = %+v", resp)
			}
			if res.Outcomes[2].State != StateSkippedNotFound {
				t.Errorf("step 3 state = %s", res.Outcomes[2].State)
			}
			if rec.count() != 1 {
				t.Errorf("invocations = %d", rec.count())
			}
		})
	}
}

func TestEmptyPlanYieldsEmptyResult(t *testing.T) {
	rec := newRecorder()
	res, err := New(rec).Execute(context.Background(), "q", plan.Plan{}, testDirectory(t, "a"), invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outcomes) != 0 || len(res.UsedWorkers) != 0 || !res.AllFailed() {
		t.Errorf("result = %+v", res)
	}
	if rec.count() != 0 {
		t.Errorf("invocations = %d", rec.count())
	}
}

func TestReferenceValidationRejectsBeforeInvoking(t *testing.T) {
	plans := map[string]plan.Plan{
		"self": {Steps: []plan.Step{
			step(0, "a", plan.OriginalQuery()),
			step(1, "b", plan.StepOutput(1)),
		}},
		"forward": {Steps: []plan.Step{
			step(0, "a", plan.StepOutput(1)),
			step(1, "b", plan.OriginalQuery()),
		}},
	}
	for name, p := range plans {
		t.Run(name, func(t *testing.T) {
			rec := newRecorder()
			res, err := New(rec).Execute(context.Background(), "q", p, testDirectory(t, "a", "b"), invoke.Context{})
			var ve *plan.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if res != nil {
				t.Errorf("result returned with validation error")
			}
			if rec.count() != 0 {
				t.Errorf("invocations = %d", rec.count())
			}
		})
	}
}

func TestTimeoutIsolation(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","output":{"result":"late"}}`))
	}))
	defer slow.Close()

	dir, err := worker.NewDirectory([]worker.Metadata{
		{Name: "fast_a"},
		{Name: "slow", Transport: worker.TransportNetwork, Endpoint: slow.URL, TimeoutMillis: 100},
		{Name: "fast_b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	p := plan.Plan{Steps: []plan.Step{
		step(0, "fast_a", plan.OriginalQuery()),
		step(1, "slow", plan.OriginalQuery()),
		step(2, "fast_b", plan.OriginalQuery()),
	}}
	res, err := New(invoke.NewDispatcher()).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ := res.Response(1)
	if resp.Error == nil || resp.Error.Kind != invoke.KindTimeout {
		t.Fatalf("slow step = %+v", resp)
	}
	for _, id := range []int{0, 2} {
		if r, _ := res.Response(id); !r.IsSuccess() {
			t.Errorf("step %d = %+v", id, r)
		}
	}
}

func TestConcurrentOrderingIsDeterministic(t *testing.T) {
	rec := newRecorder()
	// Earlier steps finish last.
	for i, name := range []string{"a", "b", "c", "d"} {
		delay := time.Duration(40-10*i) * time.Millisecond
		rec.answer[name] = func(req invoke.Request) invoke.Response {
			time.Sleep(delay)
			return invoke.Success(req, invoke.Output{Result: req.WorkerName + "<" + req.Input.Text + ">"})
		}
	}
	dir := testDirectory(t, "a", "b", "c", "d")
	p := plan.Plan{Steps: []plan.Step{
		step(0, "a", plan.OriginalQuery()),
		step(1, "b", plan.OriginalQuery()),
		step(2, "c", plan.StepOutput(0)),
		step(3, "d", plan.OriginalQuery()),
	}}

	seq, err := New(rec).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	par, err := New(rec, WithMaxConcurrency(4)).Execute(context.Background(), "q", p, dir, invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}

	for i := range seq.UsedWorkers {
		if seq.UsedWorkers[i] != par.UsedWorkers[i] {
			t.Errorf("UsedWorkers[%d]: seq %+v, par %+v", i, seq.UsedWorkers[i], par.UsedWorkers[i])
		}
		if par.Outcomes[i].StepID != i {
			t.Errorf("outcome %d has step id %d", i, par.Outcomes[i].StepID)
		}
	}
	c, _ := par.Response(2)
	if c.Output.Result != "c<a<q>>" {
		t.Errorf("dependent result = %v", c.Output.Result)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery()), step(1, "b", plan.OriginalQuery())}}
	res, err := New(rec).Execute(ctx, "q", p, testDirectory(t, "a", "b"), invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.count() != 0 {
		t.Errorf("invocations = %d", rec.count())
	}
	for _, o := range res.Outcomes {
		if o.State != StateCancelled || o.Response.Error.Kind != invoke.KindCancelled {
			t.Errorf("step %d = %s %+v", o.StepID, o.State, o.Response.Error)
		}
	}
}

func TestCancelledMidPlanKeepsFinishedSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newRecorder()
	rec.answer["a"] = func(req invoke.Request) invoke.Response {
		cancel()
		return invoke.Success(req, invoke.Output{Result: "done before cancel"})
	}
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery()), step(1, "b", plan.OriginalQuery())}}
	res, err := New(rec).Execute(ctx, "q", p, testDirectory(t, "a", "b"), invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := res.Response(0); !r.IsSuccess() {
		t.Errorf("step 0 = %+v", r)
	}
	if res.Outcomes[1].State != StateCancelled {
		t.Errorf("step 1 state = %s", res.Outcomes[1].State)
	}
	if _, invoked := rec.requestFor("b"); invoked {
		t.Error("step 1 started after cancellation")
	}
}

func TestContextBagIsolation(t *testing.T) {
	rec := newRecorder()
	rec.answer["a"] = func(req invoke.Request) invoke.Response {
		req.Context.Attachments[0].Name = "tampered"
		req.Context.UserID = "tampered"
		return invoke.Success(req, invoke.Output{Result: "x"})
	}
	base := invoke.Context{UserID: "u1", Attachments: []invoke.Attachment{{Name: "notes.txt", Content: "n"}}}
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery()), step(1, "b", plan.OriginalQuery())}}
	if _, err := New(rec).Execute(context.Background(), "q", p, testDirectory(t, "a", "b"), base); err != nil {
		t.Fatal(err)
	}
	got, _ := rec.requestFor("b")
	if got.Context.UserID != "u1" || got.Context.Attachments[0].Name != "notes.txt" {
		t.Errorf("step 1 saw step 0's mutation: %+v", got.Context)
	}
	if base.Attachments[0].Name != "notes.txt" {
		t.Errorf("caller's context was mutated")
	}
}

func TestMalformedInvokerResponseIsTransportError(t *testing.T) {
	inv := invoke.InvokerFunc(func(_ context.Context, _ worker.Metadata, req invoke.Request) invoke.Response {
		return invoke.Response{RequestID: req.ID, Status: invoke.StatusSuccess}
	})
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery())}}
	res, err := New(inv).Execute(context.Background(), "q", p, testDirectory(t, "a"), invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ := res.Response(0)
	if resp.Error == nil || resp.Error.Kind != invoke.KindTransport || resp.Output != nil {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestPanickingInvokerIsContained(t *testing.T) {
	inv := invoke.InvokerFunc(func(context.Context, worker.Metadata, invoke.Request) invoke.Response {
		panic("boom")
	})
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery())}}
	res, err := New(inv).Execute(context.Background(), "q", p, testDirectory(t, "a"), invoke.Context{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcomes[0].State != StateInvokeFailed {
		t.Errorf("state = %s", res.Outcomes[0].State)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	started  []int
	finished []StepState
}

func (c *countingObserver) StepStarted(s plan.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, s.ID)
}

func (c *countingObserver) StepFinished(o Outcome, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, o.State)
}

func TestObservers(t *testing.T) {
	global := &countingObserver{}
	perCall := &countingObserver{}
	e := New(newRecorder(), WithEngineObserver(global))
	ctx := WithObserver(context.Background(), perCall)
	p := plan.Plan{Steps: []plan.Step{step(0, "a", plan.OriginalQuery()), step(1, "nope", plan.OriginalQuery())}}
	if _, err := e.Execute(ctx, "q", p, testDirectory(t, "a"), invoke.Context{}); err != nil {
		t.Fatal(err)
	}
	for name, obs := range map[string]*countingObserver{"global": global, "per-call": perCall} {
		if fmt.Sprint(obs.started) != "[0 1]" {
			t.Errorf("%s started = %v", name, obs.started)
		}
		if len(obs.finished) != 2 || obs.finished[1] != StateSkippedNotFound {
			t.Errorf("%s finished = %v", name, obs.finished)
		}
	}
}
