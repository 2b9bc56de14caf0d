// Package memory collects exported events in memory, for tests.
package memory

import (
	"context"
	"sync"

	"github.com/depotsync/depotsync"
)

type Exporter struct {
	mu     sync.Mutex
	events []depotsync.Event
}

func NewExporter() *Exporter {
	return &Exporter{}
}

func (m *Exporter) Export(ctx context.Context, events []depotsync.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a snapshot of everything exported so far.
func (m *Exporter) Events() []depotsync.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]depotsync.Event, len(m.events))
	copy(out, m.events)
	return out
}
