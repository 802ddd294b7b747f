package localworker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/worker"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDialTimeout      = 5 * time.Second
	defaultStopGrace        = 5 * time.Second
)

type session struct {
	key     string
	process *Process
	client  *Client
}

// Host launches local-process workers on first use and keeps them running
// for later calls. It implements invoke.Invoker.
type Host struct {
	mu       sync.Mutex
	sessions map[string]*session

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	StopGrace        time.Duration
}

func NewHost() *Host {
	return &Host{
		sessions:         make(map[string]*session),
		HandshakeTimeout: defaultHandshakeTimeout,
		DialTimeout:      defaultDialTimeout,
		StopGrace:        defaultStopGrace,
	}
}

func sessionKey(w worker.Metadata) string {
	return w.Command + "\x00" + strings.Join(w.Args, "\x00")
}

// session returns a live session for w, starting the process if needed. A
// worker whose command changed (directory reload) is restarted.
func (h *Host) session(w worker.Metadata) (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := sessionKey(w)
	if s, ok := h.sessions[w.Name]; ok {
		if s.key == key && s.process.Running() {
			return s, nil
		}
		h.stopLocked(w.Name, s)
	}

	proc := NewProcess(w.Command, w.Args...)
	hs, err := proc.Start(h.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("start worker %q: %w", w.Name, err)
	}
	client, err := DialFromHandshake(hs, h.DialTimeout)
	if err != nil {
		_ = proc.Stop(h.StopGrace)
		return nil, fmt.Errorf("connect worker %q: %w", w.Name, err)
	}
	s := &session{key: key, process: proc, client: client}
	h.sessions[w.Name] = s
	log.Printf("localworker: started %s (%s)", w.Name, hs)
	return s, nil
}

func (h *Host) stopLocked(name string, s *session) {
	delete(h.sessions, name)
	_ = s.client.Close()
	if err := s.process.Stop(h.StopGrace); err != nil {
		log.Printf("localworker: stop %s: %v", name, err)
	}
}

// drop discards s if it is still the current session for name.
func (h *Host) drop(name string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[name]; ok && cur == s {
		h.stopLocked(name, s)
	}
}

func (h *Host) Invoke(ctx context.Context, w worker.Metadata, req invoke.Request) invoke.Response {
	s, err := h.session(w)
	if err != nil {
		return invoke.Failure(req, invoke.KindTransport, err.Error())
	}
	resp, err := s.client.Invoke(ctx, req)
	if err != nil {
		h.drop(w.Name, s)
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return invoke.Failure(req, invoke.KindTimeout, fmt.Sprintf("worker %q timed out after %s", w.Name, w.Timeout()))
		case errors.Is(ctx.Err(), context.Canceled):
			return invoke.Failure(req, invoke.KindCancelled, fmt.Sprintf("worker %q call cancelled", w.Name))
		}
		return invoke.Failure(req, invoke.KindTransport, err.Error())
	}
	return resp
}

// Close stops every running worker.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, s := range h.sessions {
		h.stopLocked(name, s)
	}
	return nil
}
