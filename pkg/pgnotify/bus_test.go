package pgnotify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Publish goes through the shared pooled connection, so it can be exercised
// against sqlmock; LISTEN delivery needs a real Postgres session and is
// covered by the service's integration environment instead.
func TestPublishWrapsPayloadInEnvelope(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus, err := NewWithDB(db, "postgres://127.0.0.1:1/x?sslmode=disable", nil)
	require.NoError(t, err)
	defer bus.Close()

	mock.ExpectExec(`SELECT pg_notify`).
		WithArgs("indexer_control", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = bus.Publish(context.Background(), "indexer_control", map[string]string{
		"type": "stop", "namespace": "ns", "identifier": "idx",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRejectsUnmarshalablePayload(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bus, err := NewWithDB(db, "postgres://127.0.0.1:1/x?sslmode=disable", nil)
	require.NoError(t, err)
	defer bus.Close()

	err = bus.Publish(context.Background(), "c", make(chan int))
	require.Error(t, err)
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	ev := Event{Channel: "c", Payload: json.RawMessage(`{"type":"reload"}`)}
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.Channel, decoded.Channel)
	assert.JSONEq(t, string(ev.Payload), string(decoded.Payload))
}
