package depotsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/depotsync/depotsync/internal/metrics"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("depotsync/processor")
}

// ProcessError is the single failure surfaced by Process. Err carries the
// underlying cause when there is one.
type ProcessError struct {
	Msg string
	Err error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Processor drains the two paginated feeds of a brokerage account, enriches
// monetary events with their detail documents and returns the filtered
// collection. A Processor is good for one Process call at a time.
type Processor struct {
	api   API
	since int64

	includePending    bool
	detailTimeout     time.Duration
	detailParallelism int

	mu               sync.Mutex
	events           []*Event
	requestedDetails int
	receivedDetails  atomic.Int64
}

type Option func(*Options)

type Options struct {
	IncludePending    bool
	DetailTimeout     time.Duration
	DetailParallelism int
}

// IncludePending is reserved for status-based filtering, which currently
// happens in the export layer.
func IncludePending(b bool) Option {
	return func(o *Options) {
		o.IncludePending = b
	}
}

func DetailTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.DetailTimeout = d
	}
}

func DetailParallelism(n int) Option {
	return func(o *Options) {
		o.DetailParallelism = n
	}
}

// New instantiates a Processor. since is the inclusive lower bound in epoch
// seconds for events to keep; zero or negative means no lower bound.
func New(api API, since int64, opts ...Option) (*Processor, error) {
	if api == nil {
		return nil, errors.New("api required")
	}
	var op Options
	for _, o := range opts {
		o(&op)
	}
	p := &Processor{
		api:               api,
		since:             since,
		includePending:    op.IncludePending,
		detailTimeout:     op.DetailTimeout,
		detailParallelism: op.DetailParallelism,
	}
	if p.detailTimeout <= 0 {
		p.detailTimeout = 60 * time.Second
	}
	if p.detailParallelism < 1 {
		p.detailParallelism = 8
	}
	return p, nil
}

// Process drains the timeline feed, then the activity feed, then fetches the
// detail document for every monetary event collected. It returns a snapshot
// of the collection in append order: all timeline events first, then all
// activity events, each in server pagination order.
//
// Failures of individual detail fetches are tolerated; receiving zero details
// when at least one was requested is treated as a systemic failure and aborts
// the run.
func (p *Processor) Process(ctx context.Context) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "depotsync.processor.process")
	defer span.End()

	slog.Info("starting timeline processing", "since", p.since)

	if err := p.drainFeed(ctx, "timeline", p.api.TimelinePage); err != nil {
		return nil, &ProcessError{Msg: "timeline processing failed", Err: err}
	}
	if err := p.drainFeed(ctx, "activity", p.api.ActivityPage); err != nil {
		return nil, &ProcessError{Msg: "timeline processing failed", Err: err}
	}

	p.fetchDetails(ctx)

	p.mu.Lock()
	requested := p.requestedDetails
	total := len(p.events)
	p.mu.Unlock()
	received := int(p.receivedDetails.Load())

	slog.Info("timeline processing completed", "events", total, "withDetails", received)

	if requested > 0 && received == 0 {
		return nil, &ProcessError{Msg: "failed to receive any event details"}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	for i, ev := range p.events {
		out[i] = *ev
	}
	return out, nil
}

type fetchPage func(ctx context.Context, cursor string) (json.RawMessage, error)

// drainFeed walks one feed in cursor order. It stops when the server stops
// handing out a next cursor, when a response is missing its envelope, or when
// an entire page falls below the time bound. Feeds are reverse-chronological,
// so a page with no in-range items means every following page is older still.
func (p *Processor) drainFeed(ctx context.Context, feed string, fetch fetchPage) error {
	var cursor string
	pageCount := 0
	hasMore, foundRelevant := true, true

	for hasMore && foundRelevant {
		pageCount++
		slog.Debug("loading feed page", "feed", feed, "page", pageCount, "cursor", abbrev(cursor))

		raw, err := fetch(ctx, cursor)
		if err != nil {
			return fmt.Errorf("%s page %d: %w", feed, pageCount, err)
		}
		metrics.PagesFetched.WithLabelValues(feed).Inc()

		var env page
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("%s page %d: decode response: %w", feed, pageCount, err)
		}
		if env.Data == nil {
			slog.Warn("page response missing data envelope", "feed", feed, "page", pageCount)
			break
		}
		if env.Data.Items == nil {
			slog.Warn("page data missing items", "feed", feed, "page", pageCount)
			break
		}

		var items []json.RawMessage
		if err := json.Unmarshal(env.Data.Items, &items); err != nil {
			slog.Warn("page items not a list", "feed", feed, "page", pageCount, "error", err)
			items = nil
		}
		slog.Debug("processing feed items", "feed", feed, "page", pageCount, "items", len(items))

		foundRelevant = p.collectPage(feed, items)

		next := ""
		if c := env.Data.Cursors; c != nil && c.After != nil {
			next = *c.After
		}
		if next == "" {
			hasMore = false
		} else {
			cursor = next
		}
	}

	slog.Info("feed pagination completed", "feed", feed, "pages", pageCount)
	return nil
}

// collectPage parses one page of items, appending those that pass the
// inclusion filter. It reports whether any item on the page was within the
// time bound, which drives the pagination early stop. The reporting is
// independent of inclusion: the page that trips the early stop still has its
// in-range items appended.
func (p *Processor) collectPage(feed string, items []json.RawMessage) bool {
	found := false
	for _, raw := range items {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("skipping unparseable feed item", "feed", feed, "error", err)
			continue
		}
		if p.withinTimeRange(&ev) {
			found = true
		}
		if p.shouldInclude(&ev) {
			p.mu.Lock()
			p.events = append(p.events, &ev)
			p.mu.Unlock()
			metrics.EventsCollected.Inc()
			slog.Debug("added event", "feed", feed, "id", ev.ID)
		}
	}
	return found
}

// withinTimeRange reports whether the event is at or after the lower time
// bound. An unparseable timestamp counts as in range: dropping pagination on
// bad data would silently truncate the history.
func (p *Processor) withinTimeRange(ev *Event) bool {
	if p.since <= 0 {
		return true
	}
	t, err := ev.Time()
	if err != nil {
		slog.Warn("could not parse event timestamp", "id", ev.ID, "timestamp", ev.Timestamp)
		return true
	}
	return t.Unix() >= p.since
}

// shouldInclude applies the event filter. Status-based filtering is deferred
// to the export layer, so for now this is the time bound alone, failing open
// on unparseable timestamps.
func (p *Processor) shouldInclude(ev *Event) bool {
	return p.withinTimeRange(ev)
}

// fetchDetails fans out a detail request for every monetary event and waits
// for the batch under a single deadline. Individual failures only cost that
// event its detail payload; stragglers past the deadline are abandoned.
func (p *Processor) fetchDetails(ctx context.Context) {
	p.mu.Lock()
	var pending []*Event
	for _, ev := range p.events {
		if ev.HasAmount() {
			pending = append(pending, ev)
		}
	}
	p.requestedDetails = len(pending)
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	metrics.DetailsRequested.Add(float64(len(pending)))

	ctx, span := tracer.Start(ctx, "depotsync.processor.details")
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, p.detailTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(dctx)
	g.SetLimit(p.detailParallelism)
	for _, ev := range pending {
		ev := ev
		g.Go(func() error {
			p.fetchDetail(gctx, ev)
			return nil
		})
	}
	_ = g.Wait()

	received := int(p.receivedDetails.Load())
	if errors.Is(dctx.Err(), context.DeadlineExceeded) {
		slog.Warn("timeout waiting for event details",
			"received", received, "requested", len(pending))
	} else if received < len(pending) {
		slog.Warn("proceeding with partial event details",
			"received", received, "requested", len(pending))
	}
}

func (p *Processor) fetchDetail(ctx context.Context, ev *Event) {
	raw, err := p.api.EventDetail(ctx, ev.ID)
	if err != nil {
		slog.Warn("failed to get details for event", "id", ev.ID, "error", err)
		return
	}
	var env detailEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("undecodable detail response", "id", ev.ID, "error", err)
		return
	}
	if env.Data == nil {
		return
	}
	ev.Details = env.Data
	p.receivedDetails.Add(1)
	metrics.DetailsReceived.Inc()
	slog.Debug("received details for event", "id", ev.ID)
}

// Stats is a point-in-time snapshot of the processing counters.
type Stats struct {
	Events           int
	RequestedDetails int
	ReceivedDetails  int
}

func (s Stats) String() string {
	return fmt.Sprintf("Events: %d, Details requested: %d, Details received: %d",
		s.Events, s.RequestedDetails, s.ReceivedDetails)
}

// Stats may be read at any time and reflects the current, possibly
// in-progress, state of a run.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Events:           len(p.events),
		RequestedDetails: p.requestedDetails,
		ReceivedDetails:  int(p.receivedDetails.Load()),
	}
}

func abbrev(cursor string) string {
	if len(cursor) > 8 {
		return cursor[:8] + "..."
	}
	return cursor
}
