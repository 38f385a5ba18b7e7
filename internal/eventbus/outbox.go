package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxEvent is one row polled from the durable event_outbox table.
type OutboxEvent struct {
	ID        int64
	Topic     Topic
	Payload   map[string]any
	CreatedAt time.Time
}

// Poller drains the durable outbox for at-least-once delivery across
// process boundaries (e.g. the differ precache pipeline subscribing to
// runner.run-finished emitted by a separate runner process). Each
// subscriber tracks its own cursor by (subscriber_id, topic), so a crash
// between poll and processing simply re-delivers on the next poll —
// callers must be idempotent, as spec.md §4.2 requires of every
// subscriber.
type Poller struct {
	pool *pgxpool.Pool
}

// NewPoller wraps a pgx pool for outbox polling.
func NewPoller(pool *pgxpool.Pool) *Poller {
	return &Poller{pool: pool}
}

// Poll returns up to limit events on topic after the subscriber's stored
// cursor, advancing the cursor to the highest id returned. Returns an
// empty slice, not an error, when there is nothing new.
func (p *Poller) Poll(ctx context.Context, subscriberID string, topic Topic, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	var cursor int64
	err := p.pool.QueryRow(ctx, `
		SELECT last_id FROM subscriber_cursors WHERE subscriber_id = $1 AND topic = $2`,
		subscriberID, string(topic)).Scan(&cursor)
	if err != nil {
		// No row yet: start from the beginning of the topic.
		cursor = 0
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, topic, payload, created_at FROM event_outbox
		WHERE topic = $1 AND id > $2 ORDER BY id ASC LIMIT $3`, string(topic), cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEvent
	var maxID int64 = cursor
	for rows.Next() {
		var e OutboxEvent
		var topicStr string
		var raw []byte
		if err := rows.Scan(&e.ID, &topicStr, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Topic = Topic(topicStr)
		if err := json.Unmarshal(raw, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxID != cursor {
		_, err = p.pool.Exec(ctx, `
			INSERT INTO subscriber_cursors (subscriber_id, topic, last_id) VALUES ($1, $2, $3)
			ON CONFLICT (subscriber_id, topic) DO UPDATE SET last_id = EXCLUDED.last_id`,
			subscriberID, string(topic), maxID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Run polls topic for subscriberID every interval, invoking handle for each
// event in order, until ctx is canceled. A handler error stops processing
// the current batch and moves the cursor back to just before the failed
// event, so that event and the rest of the batch are delivered again on
// the next poll — retried indefinitely.
func (p *Poller) Run(ctx context.Context, subscriberID string, topic Topic, interval time.Duration, handle func(OutboxEvent) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := p.Poll(ctx, subscriberID, topic, 100)
			if err != nil {
				continue
			}
			for _, e := range events {
				if err := handle(e); err != nil {
					// Poll already advanced the cursor past the whole batch;
					// rewind it so the failed event is polled again.
					_, _ = p.pool.Exec(ctx, `
						UPDATE subscriber_cursors SET last_id = $3 WHERE subscriber_id = $1 AND topic = $2`,
						subscriberID, string(topic), e.ID-1)
					break
				}
			}
		}
	}
}
