// Package replay feeds captured raw webhook deliveries from Kafka back through
// the webhook pipeline, e.g. after an outage or to backfill a fresh ledger.
package replay

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-payment-reconciler/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciler/internal/webhook"
)

const (
	HeaderSignature = "x-razorpay-signature"
	HeaderEventID   = "x-razorpay-event-id"
)

type Processor interface {
	Process(ctx context.Context, d webhook.Delivery) (webhook.Result, error)
}

type Service struct {
	log      *zap.SugaredLogger
	webhooks Processor
}

func NewService(log *zap.SugaredLogger, webhooks Processor) *Service {
	return &Service{log: log, webhooks: webhooks}
}

// HandleDelivery is installed as the consumer handler. Deliveries that can never
// succeed (bad signature, malformed body) are logged and committed; storage
// failures are returned so the message is retried.
func (s *Service) HandleDelivery(ctx context.Context, m kafkago.Message) error {
	ctx = kafkax.ExtractTrace(ctx, m.Headers)
	res, err := s.webhooks.Process(ctx, webhook.Delivery{
		Body:      m.Value,
		Signature: kafkax.HeaderValue(m.Headers, HeaderSignature),
		EventID:   kafkax.HeaderValue(m.Headers, HeaderEventID),
		Source:    webhook.SourceKafka,
	})
	switch {
	case err == nil:
		s.log.Debugw("delivery replayed",
			"partition", m.Partition, "offset", m.Offset,
			"event", res.Event, "outcome", string(res.Outcome))
		return nil
	case webhook.Retryable(err):
		return err
	default:
		s.log.Warnw("poison delivery skipped",
			"partition", m.Partition, "offset", m.Offset, "err", err)
		return nil
	}
}
