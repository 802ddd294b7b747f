// Package health probes worker healthcheck endpoints on a schedule and
// publishes the results over the gRPC health protocol.
package health

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/opentalon/conductor/internal/worker"
)

const (
	DefaultSchedule = "@every 30s"
	probeTimeout    = 5 * time.Second
	probeParallel   = 8

	// ServicePrefix namespaces per-worker entries in the gRPC health server.
	ServicePrefix = "conductor.worker."
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusSimulated Status = "simulated"
)

// WorkerHealth is the last probe result for one worker.
type WorkerHealth struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns,omitempty"`
	CheckedAt time.Time     `json:"checked_at,omitempty"`
}

type Monitor struct {
	source   worker.Source
	client   *http.Client
	schedule string
	grpc     *health.Server

	mu     sync.RWMutex
	status map[string]WorkerHealth

	cron   *cron.Cron
	cancel context.CancelFunc
}

type Option func(*Monitor)

// WithSchedule sets the cron spec, e.g. "@every 1m" or "*/5 * * * *".
func WithSchedule(spec string) Option {
	return func(m *Monitor) {
		if spec != "" {
			m.schedule = spec
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithHealthServer publishes results to hs as they arrive.
func WithHealthServer(hs *health.Server) Option {
	return func(m *Monitor) { m.grpc = hs }
}

func NewMonitor(src worker.Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:   src,
		client:   &http.Client{Timeout: probeTimeout},
		schedule: DefaultSchedule,
		status:   make(map[string]WorkerHealth),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start runs one round of probes and then schedules further rounds until
// Stop is called or ctx ends.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(m.schedule, func() { m.CheckAll(ctx) }); err != nil {
		cancel()
		return fmt.Errorf("health: schedule %q: %w", m.schedule, err)
	}
	m.cron = c
	m.cancel = cancel

	if m.grpc != nil {
		m.grpc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	m.CheckAll(ctx)
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

// Stop cancels scheduled probes and marks the gRPC service as not serving.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.grpc != nil {
		m.grpc.Shutdown()
	}
}

// CheckAll probes every worker of the current directory once.
func (m *Monitor) CheckAll(ctx context.Context) {
	dir := m.source.Current()
	if dir == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(probeParallel)
	for _, w := range dir.List() {
		g.Go(func() error {
			m.record(m.check(ctx, w))
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) check(ctx context.Context, w worker.Metadata) WorkerHealth {
	h := WorkerHealth{Name: w.Name, Status: StatusUnknown, CheckedAt: time.Now()}
	switch {
	case w.Simulated:
		h.Status = StatusSimulated
		return h
	case w.Healthcheck == "":
		return h
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Healthcheck, nil)
	if err != nil {
		h.Status, h.Error = StatusUnhealthy, err.Error()
		return h
	}
	start := time.Now()
	resp, err := m.client.Do(req)
	h.Latency = time.Since(start)
	if err != nil {
		h.Status, h.Error = StatusUnhealthy, err.Error()
		return h
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.Status, h.Error = StatusUnhealthy, fmt.Sprintf("HTTP %d", resp.StatusCode)
		return h
	}
	h.Status = StatusHealthy
	return h
}

func (m *Monitor) record(h WorkerHealth) {
	m.mu.Lock()
	prev, seen := m.status[h.Name]
	m.status[h.Name] = h
	m.mu.Unlock()

	if seen && prev.Status != h.Status {
		log.Printf("health: worker %s %s -> %s %s", h.Name, prev.Status, h.Status, h.Error)
	}
	if m.grpc != nil {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		switch h.Status {
		case StatusHealthy, StatusSimulated:
			st = healthpb.HealthCheckResponse_SERVING
		case StatusUnknown:
			st = healthpb.HealthCheckResponse_UNKNOWN
		}
		m.grpc.SetServingStatus(ServicePrefix+h.Name, st)
	}
}

// Snapshot returns the last known status of every worker in directory order.
// Workers never probed are reported as unknown.
func (m *Monitor) Snapshot() []WorkerHealth {
	dir := m.source.Current()
	if dir == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkerHealth, 0, dir.Len())
	for _, w := range dir.List() {
		h, ok := m.status[w.Name]
		if !ok {
			h = WorkerHealth{Name: w.Name, Status: StatusUnknown}
		}
		out = append(out, h)
	}
	return out
}
