package redisx

import "time"

const (
	// Webhook delivery dedup: dedup:{service}:{event_id} -> "1"
	KeyDedup = "dedup:%s:%s"

	// Last seen status per order, written after a ledger change: order_status:{order_id} -> status
	KeyOrderStatus = "order_status:%s"
)

var (
	// The gateway retries failed deliveries for roughly a day.
	TTLDedup       = 48 * time.Hour
	TTLStatusCache = 5 * time.Minute
)
