package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const webhookDedupPrefix = "webhook"

// WebhookDeduper remembers webhook keys with SET NX so gateway redeliveries
// are dropped.
type WebhookDeduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewWebhookDeduper(client redis.Cmdable, ttl time.Duration) *WebhookDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &WebhookDeduper{client: client, ttl: ttl}
}

// Seen reports whether key was already recorded, recording it if not.
func (d *WebhookDeduper) Seen(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, webhookDedupPrefix+":"+key, "1", d.ttl).Result()
	if err != nil {
		return false, err
	}
	// false => already exists => duplicate
	return !ok, nil
}

// Forget removes key so a redelivery is processed again.
func (d *WebhookDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, webhookDedupPrefix+":"+key).Err()
}

// MemoryDeduper is the in-process fallback used when Redis is unavailable.
type MemoryDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	nextGC time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	d := &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
	d.nextGC = d.now().Add(ttl)
	return d
}

func (d *MemoryDeduper) Seen(_ context.Context, key string) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if exp, ok := d.seen[key]; ok && exp.After(now) {
		return true, nil
	}

	d.seen[key] = now.Add(d.ttl)
	if now.After(d.nextGC) {
		for k, exp := range d.seen {
			if exp.Before(now) {
				delete(d.seen, k)
			}
		}
		d.nextGC = now.Add(d.ttl)
	}

	return false, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
