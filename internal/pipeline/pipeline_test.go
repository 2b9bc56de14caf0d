package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotsync/depotsync"
	batch "github.com/depotsync/depotsync/x/batcher"
	"github.com/depotsync/depotsync/x/memory"
)

type stubAPI struct{}

func (stubAPI) TimelinePage(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"data":{"items":[
		{"id":"ev-1","title":"Buy","timestamp":"2025-07-16T12:37:00.707+0000",
		 "amount":{"value":-42.00,"currency":"EUR"}}
	]}}`), nil
}

func (stubAPI) ActivityPage(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"data":{"items":[
		{"id":"ev-2","title":"Login","timestamp":"2025-07-16T13:00:00.000+0000"}
	]}}`), nil
}

func (stubAPI) EventDetail(_ context.Context, id string) (json.RawMessage, error) {
	return json.RawMessage(`{"data":{"for":"` + id + `"}}`), nil
}

func TestValidate(t *testing.T) {
	p := New()
	assert.ErrorIs(t, p.Run(context.Background()), ErrNoProcessor)

	proc, err := depotsync.New(stubAPI{}, 0)
	require.NoError(t, err)
	p = New(WithProcessor(proc))
	assert.ErrorIs(t, p.Run(context.Background()), ErrNoExporters)
}

func TestRunExportsToAllExporters(t *testing.T) {
	proc, err := depotsync.New(stubAPI{}, 0)
	require.NoError(t, err)

	a := memory.NewExporter()
	b := memory.NewExporter()
	p := New(
		WithProcessor(proc),
		WithExporters(map[string]depotsync.Exporter{"a": a, "b": b}),
	)

	require.NoError(t, p.Run(context.Background()))

	for _, m := range []*memory.Exporter{a, b} {
		events := m.Events()
		require.Len(t, events, 2)
		assert.Equal(t, "ev-1", events[0].ID)
		assert.JSONEq(t, `{"for":"ev-1"}`, string(events[0].Details))
		assert.Equal(t, "ev-2", events[1].ID)
	}
}

func TestRunDrainsBatchingExporter(t *testing.T) {
	proc, err := depotsync.New(stubAPI{}, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var flushed []depotsync.Event
	bat := batch.NewExporter[depotsync.Event](
		batch.FlushFunc[depotsync.Event](func(_ context.Context, events []depotsync.Event) error {
			mu.Lock()
			flushed = append(flushed, events...)
			mu.Unlock()
			return nil
		}),
		batch.FlushLength(100),
		batch.FlushFrequency(10*time.Millisecond),
	)

	p := New(
		WithProcessor(proc),
		WithExporters(map[string]depotsync.Exporter{"batched": bat}),
	)

	require.NoError(t, p.Run(context.Background()))

	// The batch never reached FlushLength; the shutdown flush has to carry it.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushed) == 2
	}, time.Second, 5*time.Millisecond)
}
