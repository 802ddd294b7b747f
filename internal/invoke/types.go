package invoke

import (
	"github.com/google/uuid"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Error kinds recorded on failed responses. Workers may report kinds of their
// own; those are passed through untouched.
const (
	KindWorkerNotFound       = "worker_not_found"
	KindDependencyUnresolved = "dependency_unresolved"
	KindTransport            = "transport_error"
	KindTimeout              = "timeout"
	KindCancelled            = "cancelled"
)

// Attachment is a normalized file the caller uploaded with the query.
type Attachment struct {
	Name      string `json:"name" yaml:"name"`
	MediaType string `json:"media_type,omitempty" yaml:"media_type,omitempty"`
	Content   string `json:"content" yaml:"content"`
}

// Context is the bag shared by every invocation of one request. It is passed
// by value and cloned per step.
type Context struct {
	UserID         string       `json:"user_id,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Timestamp      string       `json:"timestamp,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Clone returns a copy that shares no slices with c.
func (c Context) Clone() Context {
	if c.Attachments != nil {
		c.Attachments = append([]Attachment(nil), c.Attachments...)
	}
	return c
}

type InputMetadata struct {
	Language string         `json:"language"`
	Extra    map[string]any `json:"extra"`
}

type Input struct {
	Text     string        `json:"text"`
	Metadata InputMetadata `json:"metadata"`
}

// Request is the envelope sent to a worker. The JSON shape is the worker
// handshake contract, so field names are fixed.
type Request struct {
	ID         string  `json:"request_id"`
	WorkerName string  `json:"agent_name"`
	Intent     string  `json:"intent"`
	Input      Input   `json:"input"`
	Context    Context `json:"context"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(workerName, intent, text string, c Context) Request {
	return Request{
		ID:         uuid.NewString(),
		WorkerName: workerName,
		Intent:     intent,
		Input: Input{
			Text:     text,
			Metadata: InputMetadata{Language: "en", Extra: map[string]any{}},
		},
		Context: c.Clone(),
	}
}

type Output struct {
	Result     any      `json:"result"`
	Confidence *float64 `json:"confidence,omitempty"`
	Details    string   `json:"details,omitempty"`
}

type Error struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Message
}

// Response is the normalized outcome of one invocation. Exactly one of
// Output and Error is set; Normalize enforces this.
type Response struct {
	RequestID  string  `json:"request_id"`
	WorkerName string  `json:"agent_name"`
	Status     Status  `json:"status"`
	Output     *Output `json:"output,omitempty"`
	Error      *Error  `json:"error,omitempty"`
}

func (r Response) IsSuccess() bool {
	return r.Status == StatusSuccess && r.Output != nil
}

// Success builds a successful response for req.
func Success(req Request, out Output) Response {
	return Response{
		RequestID:  req.ID,
		WorkerName: req.WorkerName,
		Status:     StatusSuccess,
		Output:     &out,
	}
}

// Failure builds an error response for req.
func Failure(req Request, kind, message string) Response {
	return Response{
		RequestID:  req.ID,
		WorkerName: req.WorkerName,
		Status:     StatusError,
		Error:      &Error{Kind: kind, Message: message},
	}
}

// Confidence is a convenience for building Output literals.
func Confidence(v float64) *float64 { return &v }
