package multi

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/depotsync/depotsync"
)

// Exporter fans one event collection out to several exporters in order. The
// first failure stops the fan-out and is returned as-is.
type Exporter struct {
	wrapped []depotsync.Exporter
}

func NewExporter(exps ...depotsync.Exporter) Exporter {
	return Exporter{
		wrapped: exps,
	}
}

func (me Exporter) Export(ctx context.Context, events []depotsync.Event) error {
	for _, e := range me.wrapped {
		if err := e.Export(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the background loops of any wrapped exporters that carry one
// and blocks until they have all returned.
func (me Exporter) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range me.wrapped {
		if r, ok := e.(interface {
			Run(context.Context) error
		}); ok {
			r := r
			g.Go(func() error {
				if err := r.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}
	return g.Wait()
}
