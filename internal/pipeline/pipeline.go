// Package pipeline ties one sync run together: it starts the exporters'
// background loops, runs the processor, and hands the finished collection to
// every configured exporter.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/depotsync/depotsync"
	"github.com/depotsync/depotsync/internal/metrics"
)

type Option func(*Pipeline)

func WithProcessor(proc *depotsync.Processor) Option {
	return func(p *Pipeline) {
		p.Processor = proc
	}
}

func WithExporters(exps map[string]depotsync.Exporter) Option {
	return func(p *Pipeline) {
		p.Exporters = exps
	}
}

type Pipeline struct {
	Processor *depotsync.Processor
	Exporters map[string]depotsync.Exporter
}

var (
	ErrNoProcessor = errors.New("no processor configured")
	ErrNoExporters = errors.New("no exporters configured")
)

func (p *Pipeline) Validate() error {
	if p.Processor == nil {
		return ErrNoProcessor
	}
	if len(p.Exporters) == 0 {
		return ErrNoExporters
	}
	return nil
}

func New(opts ...Option) *Pipeline {
	var p Pipeline

	for _, opt := range opts {
		opt(&p)
	}

	return &p
}

// Run performs one sync. It returns once every exporter has been fed and any
// background exporter loops have drained and stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Validate(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	rctx, stopRunners := context.WithCancel(gctx)

	for name, e := range p.Exporters {
		r, ok := e.(interface {
			Run(context.Context) error
		})
		if !ok {
			continue
		}
		name := name
		g.Go(func() error {
			if err := r.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("exporter %s: %w", name, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		// Stopping the runners is what lets batching exporters flush their
		// tails and return.
		defer stopRunners()

		events, err := p.Processor.Process(gctx)
		if err != nil {
			return err
		}
		for name, e := range p.Exporters {
			if err := e.Export(gctx, events); err != nil {
				return fmt.Errorf("exporter %s: %w", name, err)
			}
			metrics.ExportBatches.WithLabelValues(name).Inc()
		}
		slog.Info("sync finished", "stats", p.Processor.Stats().String())
		return nil
	})

	return g.Wait()
}
