package redis

import (
	"context"
	"time"
)

// Deduper remembers processed message ids for a bounded time so redelivered
// messages can be acknowledged without handling them twice.
type Deduper struct {
	client *Client
	prefix string
	ttl    time.Duration
}

func (c *Client) NewDeduper(prefix string, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{client: c, prefix: prefix, ttl: ttl}
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	n, err := d.client.rdb.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Deduper) MarkSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return d.client.rdb.Set(ctx, d.key(eventID), time.Now().UTC().Unix(), d.ttl).Err()
}

func (d *Deduper) key(eventID string) string {
	return "pf:dedupe:" + d.prefix + ":" + eventID
}
