package orders

import (
	"encoding/json"
	"time"
)

const EventLedgerChanged = "LedgerChanged"

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // EventLedgerChanged
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

// LedgerChangedPayload describes one persisted ledger mutation.
type LedgerChangedPayload struct {
	OrderID        string      `json:"order_id"`
	GatewayEvent   string      `json:"gateway_event"`              // e.g. payment.captured
	GatewayEventID string      `json:"gateway_event_id,omitempty"` // x-razorpay-event-id
	Outcome        string      `json:"outcome"`                    // applied | backfilled
	FromStatus     Status      `json:"from_status"`
	ToStatus       Status      `json:"to_status"`
	Record         OrderRecord `json:"record"`
}
