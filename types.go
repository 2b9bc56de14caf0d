package depotsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// API is the brokerage capability the processor drives. Implementations are
// expected to handle authentication and session state themselves; the
// processor only sees raw response documents. All three calls block until the
// response is available or ctx is done.
//
// An empty cursor requests the first page.
type API interface {
	TimelinePage(ctx context.Context, cursor string) (json.RawMessage, error)
	ActivityPage(ctx context.Context, cursor string) (json.RawMessage, error)
	EventDetail(ctx context.Context, id string) (json.RawMessage, error)
}

// Amount is a monetary value attached to an event.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

func (a Amount) String() string {
	return a.Value.StringFixed(2) + " " + a.Currency
}

// Event is one entry from either the transaction timeline or the activity
// log. Details is nil until enrichment attaches the detail document for an
// amount-bearing event; the payload's schema varies by event type and is
// passed through opaque.
type Event struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Subtitle  string          `json:"subtitle"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"eventType"`
	Amount    *Amount         `json:"amount"`
	Details   json.RawMessage `json:"details"`
	Status    string          `json:"status"`
}

// HasAmount reports whether this is a monetary event. Only monetary events
// are candidates for detail enrichment.
func (e *Event) HasAmount() bool {
	return e.Amount != nil
}

// Time parses the event's broker timestamp.
func (e *Event) Time() (time.Time, error) {
	return ParseBrokerTime(e.Timestamp)
}

func (e *Event) String() string {
	return fmt.Sprintf("Event{id=%q, title=%q, timestamp=%q, eventType=%q, amount=%v}",
		e.ID, e.Title, e.Timestamp, e.EventType, e.Amount)
}

// brokerTimeLayout covers the broker's numeric UTC offset without a colon,
// e.g. "2025-07-16T12:37:00.707+0000".
const brokerTimeLayout = "2006-01-02T15:04:05.999999999-0700"

// ParseBrokerTime parses the broker's near-ISO-8601 timestamp format. The
// literal "+0000" suffix is normalized to "Z" for a strict RFC 3339 parse;
// if that fails the raw string is tried with a numeric-offset layout.
func ParseBrokerTime(ts string) (time.Time, error) {
	norm := strings.ReplaceAll(ts, "+0000", "Z")
	if t, err := time.Parse(time.RFC3339, norm); err == nil {
		return t, nil
	}
	return time.Parse(brokerTimeLayout, ts)
}

// Exporter consumes the finished event collection. Implementations that also
// expose Run(context.Context) error need it running before Export is called.
type Exporter interface {
	Export(ctx context.Context, events []Event) error
}

type ExporterFunc func(context.Context, []Event) error

func (ef ExporterFunc) Export(ctx context.Context, events []Event) error {
	return ef(ctx, events)
}

// page is the response envelope shared by both paginated feeds. Items stays
// raw so that absence of the field is distinguishable from an empty list.
type page struct {
	Data *pageData `json:"data"`
}

type pageData struct {
	Items   json.RawMessage `json:"items"`
	Cursors *pageCursors    `json:"cursors"`
}

type pageCursors struct {
	After *string `json:"after"`
}

type detailEnvelope struct {
	Data json.RawMessage `json:"data"`
}
