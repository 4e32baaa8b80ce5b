package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
)

// LedgerPublisher announces persisted ledger changes on the ledger topic.
type LedgerPublisher struct {
	p       *Producer
	service string
}

func NewLedgerPublisher(p *Producer, service string) *LedgerPublisher {
	return &LedgerPublisher{p: p, service: service}
}

func (lp *LedgerPublisher) PublishLedgerChange(ctx context.Context, change orders.LedgerChangedPayload) error {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventLedgerChanged,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      lp.service,
		CorrelationID: change.OrderID,
		Payload:       MustMarshal(change),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	err := lp.p.Publish(ctx, orders.PartitionKey(change.OrderID), MustMarshal(ev),
		kafka.Header{Key: HeaderEventType, Value: []byte(orders.EventLedgerChanged)},
		kafka.Header{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(ev.EventVersion))},
	)
	if err != nil {
		return fmt.Errorf("publish ledger change %s: %w", change.OrderID, err)
	}
	return nil
}
