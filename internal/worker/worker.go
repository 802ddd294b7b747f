package worker

import (
	"fmt"
	"time"
)

// DefaultTimeoutMillis is the invocation budget used when a worker does not
// declare one.
const DefaultTimeoutMillis = 5000

type Transport string

const (
	TransportNetwork Transport = "network"
	TransportProcess Transport = "local-process"
)

// Metadata describes one worker. Values are copied out of the Directory, so a
// caller can never mutate the catalog through them.
type Metadata struct {
	Name          string    `yaml:"name" json:"name"`
	Description   string    `yaml:"description" json:"description"`
	Intents       []string  `yaml:"intents" json:"intents"`
	Transport     Transport `yaml:"transport" json:"transport"`
	Endpoint      string    `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Command       string    `yaml:"command,omitempty" json:"command,omitempty"`
	Args          []string  `yaml:"args,omitempty" json:"args,omitempty"`
	Healthcheck   string    `yaml:"healthcheck,omitempty" json:"healthcheck,omitempty"`
	TimeoutMillis int       `yaml:"timeout_ms,omitempty" json:"timeout_ms"`
	// Simulated forces deterministic stand-in responses even when an
	// endpoint or command is configured.
	Simulated bool `yaml:"simulated,omitempty" json:"simulated,omitempty"`
}

// Timeout returns the invocation budget as a duration.
func (m Metadata) Timeout() time.Duration {
	ms := m.TimeoutMillis
	if ms <= 0 {
		ms = DefaultTimeoutMillis
	}
	return time.Duration(ms) * time.Millisecond
}

func (m Metadata) SupportsIntent(intent string) bool {
	for _, i := range m.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

func (m Metadata) clone() Metadata {
	m.Intents = append([]string(nil), m.Intents...)
	m.Args = append([]string(nil), m.Args...)
	return m
}

func (m Metadata) validate() error {
	if m.Name == "" {
		return fmt.Errorf("worker name is required")
	}
	switch m.Transport {
	case TransportNetwork, TransportProcess:
	default:
		return fmt.Errorf("worker %q: unknown transport %q (want %s or %s)",
			m.Name, m.Transport, TransportNetwork, TransportProcess)
	}
	if m.TimeoutMillis < 0 {
		return fmt.Errorf("worker %q: timeout_ms must be positive, got %d", m.Name, m.TimeoutMillis)
	}
	return nil
}

// NotFoundError is returned by Lookup when the directory has no worker with
// the requested name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("worker %q not found in directory", e.Name)
}
