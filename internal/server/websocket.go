package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/plan"
)

// Event types sent over /ws.
const (
	EventStepStarted  = "step_started"
	EventStepFinished = "step_finished"
	EventReply        = "reply"
	EventError        = "error"
)

const wsWriteTimeout = 10 * time.Second

// Event is one server-to-client websocket message. A client sends Query
// messages and receives zero or more step events followed by exactly one
// reply or error event per query.
type Event struct {
	Type      string              `json:"type"`
	StepID    *int                `json:"step_id,omitempty"`
	Worker    string              `json:"agent,omitempty"`
	Intent    string              `json:"intent,omitempty"`
	State     engine.StepState    `json:"state,omitempty"`
	Status    invoke.Status       `json:"status,omitempty"`
	ElapsedMS int64               `json:"elapsed_ms,omitempty"`
	Reply     *orchestrator.Reply `json:"reply,omitempty"`
	Error     *errorEvent         `json:"error,omitempty"`
}

type errorEvent struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}

// stream forwards engine step notifications to one websocket connection.
type stream struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *stream) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, ev); err != nil {
		log.Printf("server: ws write: %v", err)
	}
}

func (s *stream) StepStarted(step plan.Step) {
	id := step.ID
	s.send(Event{Type: EventStepStarted, StepID: &id, Worker: step.Worker, Intent: step.Intent})
}

func (s *stream) StepFinished(o engine.Outcome, elapsed time.Duration) {
	id := o.StepID
	s.send(Event{
		Type:      EventStepFinished,
		StepID:    &id,
		Worker:    o.Worker,
		Intent:    o.Intent,
		State:     o.State,
		Status:    o.Response.Status,
		ElapsedMS: elapsed.Milliseconds(),
	})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("server: ws accept: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxRequestBytes)

	// The reader runs on its own so that close frames and disconnects are
	// seen while a plan executes; either cancels the plan in flight.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	messages := make(chan []byte)
	go func() {
		defer cancel()
		defer close(messages)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					log.Printf("server: ws read: %v", err)
				}
				return
			}
			select {
			case messages <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	out := &stream{ctx: ctx, conn: conn}
	for data := range messages {
		var q orchestrator.Query
		if err := json.Unmarshal(data, &q); err != nil {
			out.send(Event{Type: EventError, Error: &errorEvent{Type: ErrInvalidRequest, Message: "invalid JSON message: " + err.Error()}})
			continue
		}

		reply, err := s.orch.Handle(engine.WithObserver(ctx, out), q)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			_, typ, problems := classify(err)
			out.send(Event{Type: EventError, Error: &errorEvent{Type: typ, Message: err.Error(), Problems: problems}})
			continue
		}
		out.send(Event{Type: EventReply, Reply: reply})
	}
}
