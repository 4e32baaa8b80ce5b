package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Ping fails when the server is unreachable.
func Ping(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Deduper remembers gateway event ids that were already reconciled. It is a
// fast path only: the ledger stays idempotent without it.
type Deduper struct {
	rdb     *redis.Client
	service string
	ttl     time.Duration
}

func NewDeduper(rdb *redis.Client, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service, ttl: TTLDedup}
}

func (d *Deduper) key(eventID string) string {
	return fmt.Sprintf(KeyDedup, d.service, eventID)
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.rdb, d.key(eventID))
}

// Mark is called only after the delivery has been durably handled, so a crash in
// between leads to a harmless replay rather than a lost event.
func (d *Deduper) Mark(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, d.key(eventID), "1", d.ttl).Err()
}

// StatusCache holds order statuses for cheap reads. The ledger stays
// authoritative; a miss means "ask the ledger".
type StatusCache struct {
	rdb *redis.Client
}

func NewStatusCache(rdb *redis.Client) *StatusCache { return &StatusCache{rdb: rdb} }

// PublishLedgerChange drops the cached status. Changes are published after the
// ledger lock is released, so writing ToStatus here could let a slower, older
// delivery overwrite a newer status.
func (c *StatusCache) PublishLedgerChange(ctx context.Context, change orders.LedgerChangedPayload) error {
	return c.Invalidate(ctx, change.OrderID)
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

func (c *StatusCache) Set(ctx context.Context, orderID string, status orders.Status) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), string(status), TTLStatusCache).Err()
}

func (c *StatusCache) Get(ctx context.Context, orderID string) (orders.Status, bool, error) {
	s, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return orders.Status(s), true, nil
}
