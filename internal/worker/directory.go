package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Directory is an immutable catalog of workers keyed by name. It is built once
// and then shared read-only, so lookups need no locking.
type Directory struct {
	order  []string
	byName map[string]Metadata
}

// NewDirectory validates the given workers and builds a directory. Missing
// transports default to network and missing timeouts to DefaultTimeoutMillis.
func NewDirectory(workers []Metadata) (*Directory, error) {
	d := &Directory{
		order:  make([]string, 0, len(workers)),
		byName: make(map[string]Metadata, len(workers)),
	}
	for _, w := range workers {
		if w.Transport == "" {
			w.Transport = TransportNetwork
		}
		if w.TimeoutMillis == 0 {
			w.TimeoutMillis = DefaultTimeoutMillis
		}
		if err := w.validate(); err != nil {
			return nil, err
		}
		if _, exists := d.byName[w.Name]; exists {
			return nil, fmt.Errorf("worker %q defined more than once", w.Name)
		}
		d.byName[w.Name] = w.clone()
		d.order = append(d.order, w.Name)
	}
	return d, nil
}

// Lookup returns the metadata for name or a *NotFoundError.
func (d *Directory) Lookup(name string) (Metadata, error) {
	if d != nil {
		if m, ok := d.byName[name]; ok {
			return m.clone(), nil
		}
	}
	return Metadata{}, &NotFoundError{Name: name}
}

// List returns all workers in load order.
func (d *Directory) List() []Metadata {
	if d == nil {
		return nil
	}
	out := make([]Metadata, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.byName[name].clone())
	}
	return out
}

func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.order)
}

type fileFormat struct {
	Workers []Metadata `yaml:"workers"`
}

// LoadFile reads a YAML file with a top-level "workers" list.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workers %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Directory, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing workers: %w", err)
	}
	return NewDirectory(f.Workers)
}
