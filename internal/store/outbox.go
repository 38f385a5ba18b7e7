package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// AppendOutboxEvent records an event in the same transaction as the state
// mutation that produced it, giving the cross-process half of the event
// bus (internal/eventbus.Poller) at-least-once delivery: a crash after
// commit but before the in-process Bus.Publish fan-out still leaves the
// event recoverable from the outbox.
func (s *Store) AppendOutboxEvent(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return wrapf("append outbox event marshal", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO event_outbox (topic, payload) VALUES ($1, $2)`, topic, data)
	return wrapf("append outbox event", err)
}
