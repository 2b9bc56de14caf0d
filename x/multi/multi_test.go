package multi

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotsync/depotsync"
	"github.com/depotsync/depotsync/x/memory"
)

func TestMultiExport(t *testing.T) {
	a := memory.NewExporter()
	b := memory.NewExporter()
	me := NewExporter(a, b)

	events := []depotsync.Event{{ID: "ev-1"}, {ID: "ev-2"}}
	require.NoError(t, me.Export(context.Background(), events))

	assert.Equal(t, events, a.Events())
	assert.Equal(t, events, b.Events())
}

func TestMultiStopsOnFirstError(t *testing.T) {
	boom := errors.New("boom")
	failing := depotsync.ExporterFunc(func(context.Context, []depotsync.Event) error {
		return boom
	})
	after := memory.NewExporter()
	me := NewExporter(failing, after)

	err := me.Export(context.Background(), []depotsync.Event{{ID: "ev-1"}})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, after.Events())
}
