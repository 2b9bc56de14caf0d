package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type Flusher[T any] interface {
	Flush(context.Context, []T) error
}

type FlushFunc[T any] func(context.Context, []T) error

func (ff FlushFunc[T]) Flush(c context.Context, items []T) error {
	return ff(c, items)
}

// Exporter buffers items until the FlushLength limit is reached or the
// FlushFrequency timer fires, whichever comes first, then hands the batch to
// the underlying Flusher.
//
// `Exporter.Run` must be called after calling `NewExporter` before items will
// be flushed. Not calling `Run` will likely end in a deadlock as the internal
// channel being written to by `Export` will not be getting read.
type Exporter[T any] struct {
	flusher     Flusher[T]
	flushq      chan func()
	flushlen    int
	flushfreq   time.Duration
	flusherr    chan error
	stopTimeout time.Duration

	items chan T
	buf   []T

	running bool
	syncMu  sync.Mutex
}

type OptFunc func(*Opts)

type Opts struct {
	FlushLength      int
	FlushFrequency   time.Duration
	FlushParallelism int
	StopTimeout      time.Duration
}

func FlushFrequency(d time.Duration) func(*Opts) {
	return func(opts *Opts) {
		opts.FlushFrequency = d
	}
}

func FlushLength(size int) func(*Opts) {
	return func(opts *Opts) {
		opts.FlushLength = size
	}
}

func FlushParallelism(n int) func(*Opts) {
	return func(opts *Opts) {
		opts.FlushParallelism = n
	}
}

func StopTimeout(d time.Duration) func(*Opts) {
	return func(opts *Opts) {
		opts.StopTimeout = d
	}
}

// NewExporter instantiates a new batching exporter.
func NewExporter[T any](f Flusher[T], opts ...OptFunc) *Exporter[T] {
	cfg := Opts{
		FlushLength:      100,
		FlushFrequency:   1 * time.Second,
		FlushParallelism: 2,
		StopTimeout:      5 * time.Second,
	}

	for _, o := range opts {
		o(&cfg)
	}

	if cfg.FlushParallelism < 1 {
		panic("FlushParallelism must be greater than or equal to 1")
	}
	if cfg.StopTimeout < 0 {
		cfg.StopTimeout = 0
	}

	return &Exporter[T]{
		flushlen:    cfg.FlushLength,
		flushq:      make(chan func(), cfg.FlushParallelism),
		flusherr:    make(chan error, cfg.FlushParallelism),
		flusher:     f,
		flushfreq:   cfg.FlushFrequency,
		stopTimeout: cfg.StopTimeout,

		items: make(chan T),
	}
}

// Export buffers the given items for flushing. Items are not on their way to
// the backing store until the corresponding flush completes.
func (d *Exporter[T]) Export(ctx context.Context, items []T) error {
	for _, it := range items {
		select {
		case d.items <- it:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run starts the batching loop. It blocks until the context is canceled.
// Upon cancellation, Run flushes any remaining buffered items and returns
// any flush error that occurred.
func (d *Exporter[T]) Run(ctx context.Context) error {
	var err error
	var epoch uint64
	epochC := make(chan uint64)
	setTimer := true

	d.syncMu.Lock()
	if d.running {
		panic("already running")
	} else {
		d.running = true
	}
	d.syncMu.Unlock()

loop:
	for {
		select {
		case it := <-d.items:
			if setTimer {
				// copy the epoch to send on the chan after the timer fires
				epc := epoch
				time.AfterFunc(d.flushfreq, func() {
					epochC <- epc
				})
				setTimer = false
			}
			d.buf = append(d.buf, it)
			if len(d.buf) >= d.flushlen {
				epoch++
				d.flush(ctx)
				setTimer = true
			}
		case tEpoch := <-epochC:
			// if we haven't flushed yet this epoch, then flush, otherwise ignore
			if tEpoch == epoch {
				epoch++
				d.flush(ctx)
				setTimer = true
			}
		case err = <-d.flusherr:
			slog.Error("flush error", "error", err)
			break loop

		case <-ctx.Done():
			if len(d.buf) > 0 {
				// optimistic final flush.
				// launched in a goroutine to avoid deadlock acquiring a flushq slot
				go d.flush(context.Background())
			}
			break loop
		}
	}

	if len(d.flushq) == 0 {
		return err
	}

	slog.Info("stopping batcher. waiting for remaining flushes to finish.", "len", len(d.flushq))
timeout:
	for {
		// Wait for flushes to finish
		select {
		case <-time.After(d.stopTimeout):
			break timeout
		case e2 := <-d.flusherr:
			if e2 != nil {
				slog.Info("flush error", "error", e2)
				if err == nil {
					err = e2
				}
			}
		}
	}
	if len(d.flushq) == 0 {
		return err
	}

drain:
	// flushes still active after timeout
	// cancel them.
	for {
		select {
		case cncl := <-d.flushq:
			cncl()
		default:
			break drain
		}
	}
	err = errDeadlock
	return err
}

var errDeadlock = errors.New("batcher: flushes timed out waiting for completion after context stopped.")

func (d *Exporter[T]) flush(ctx context.Context) {
	// The flush gets its own context so that parent cancellation doesn't tear
	// down a flush that's already on the wire.
	flctx, cancel := context.WithCancel(context.Background())
	// block until a slot is available, or until a timeout is reached in the
	// parent context
	select {
	case d.flushq <- cancel:
	case <-ctx.Done():
		cancel()
		return
	}
	// Have to make a copy so these don't get overwritten
	items := make([]T, len(d.buf))
	copy(items, d.buf)
	go func() {
		d.doflush(flctx, items)
		// clear flush slot
		cncl := <-d.flushq
		cncl()
	}()
	// Clear the buffer for the next batch
	d.buf = d.buf[:0]
}

func (d *Exporter[T]) doflush(ctx context.Context, items []T) {
	if err := d.flusher.Flush(ctx, items); err != nil {
		slog.Debug("flush err", "error", err)
		d.flusherr <- err
	}
}
