package depotsync_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotsync/depotsync"
)

func TestParseBrokerTime(t *testing.T) {
	normalized, err := depotsync.ParseBrokerTime("2025-07-16T12:37:00.707+0000")
	require.NoError(t, err)
	zulu, err := depotsync.ParseBrokerTime("2025-07-16T12:37:00.707Z")
	require.NoError(t, err)
	assert.True(t, normalized.Equal(zulu))

	// A non-UTC numeric offset misses the normalization and goes through the
	// fallback layout.
	offset, err := depotsync.ParseBrokerTime("2025-07-16T14:37:00.707+0200")
	require.NoError(t, err)
	assert.True(t, offset.Equal(zulu))

	_, err = depotsync.ParseBrokerTime("yesterday-ish")
	assert.Error(t, err)
}

func TestEventDecoding(t *testing.T) {
	doc := `{
		"id": "f7a2b3c4",
		"title": "Vanguard FTSE All-World",
		"subtitle": "Savings plan executed",
		"timestamp": "2025-07-16T12:37:00.707+0000",
		"eventType": "SAVINGS_PLAN_EXECUTED",
		"amount": {"value": -250.00, "currency": "EUR"},
		"status": "EXECUTED",
		"somethingNew": {"ignored": true}
	}`

	var ev depotsync.Event
	require.NoError(t, json.Unmarshal([]byte(doc), &ev))

	assert.Equal(t, "f7a2b3c4", ev.ID)
	assert.Equal(t, "SAVINGS_PLAN_EXECUTED", ev.EventType)
	assert.Equal(t, "EXECUTED", ev.Status)
	require.True(t, ev.HasAmount())
	assert.True(t, ev.Amount.Value.Equal(decimal.RequireFromString("-250")))
	assert.Equal(t, "EUR", ev.Amount.Currency)
	assert.Nil(t, ev.Details)

	ts, err := ev.Time()
	require.NoError(t, err)
	assert.Equal(t, int64(1752669420), ts.Unix())
}

func TestEventWithoutAmount(t *testing.T) {
	var ev depotsync.Event
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","timestamp":"2025-07-16T12:37:00.707+0000"}`), &ev))
	assert.False(t, ev.HasAmount())
}

func TestAmountString(t *testing.T) {
	a := depotsync.Amount{Value: decimal.RequireFromString("-125.5"), Currency: "EUR"}
	assert.Equal(t, "-125.50 EUR", a.String())
}
