// Package webhook runs one gateway notification delivery through verification,
// classification and reconciliation. HTTP and Kafka replay ingress share it.
package webhook

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciler/internal/events"
	"github.com/ariefcatur/go-payment-reconciler/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciler/internal/metrics"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
	"github.com/ariefcatur/go-payment-reconciler/internal/reconcile"
	"github.com/ariefcatur/go-payment-reconciler/internal/signature"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// Outcomes on top of the reconciler's own.
const (
	OutcomeDuplicate reconcile.Outcome = "duplicate" // event id already handled
	OutcomeRejected  reconcile.Outcome = "rejected"  // mutation broke a ledger invariant
)

// Delivery is one notification as received: the exact raw body plus headers.
type Delivery struct {
	Body      []byte
	Signature string
	EventID   string // optional
	Source    string
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// Publisher is told about every persisted ledger mutation.
type Publisher interface {
	PublishLedgerChange(ctx context.Context, change orders.LedgerChangedPayload) error
}

type Result struct {
	Event   string
	Outcome reconcile.Outcome
	OrderID string
}

type Processor struct {
	log        *zap.SugaredLogger
	verifier   *signature.Verifier
	reconciler *reconcile.Reconciler
	dedup      Deduper
	publishers []Publisher
	tracer     trace.Tracer
}

type Option func(*Processor)

func WithDeduper(d Deduper) Option { return func(p *Processor) { p.dedup = d } }

func WithPublisher(pub Publisher) Option {
	return func(p *Processor) { p.publishers = append(p.publishers, pub) }
}

func NewProcessor(log *zap.SugaredLogger, v *signature.Verifier, r *reconcile.Reconciler, opts ...Option) *Processor {
	p := &Processor{
		log:        log,
		verifier:   v,
		reconciler: r,
		tracer:     otel.Tracer("webhook"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process handles d. The returned error is one of signature.ErrInvalidSignature,
// events.ErrMalformedPayload or a ledger.ErrStorage; everything else, orphans
// and unsupported transitions included, is a successful delivery.
func (p *Processor) Process(ctx context.Context, d Delivery) (res Result, err error) {
	ctx, span := p.tracer.Start(ctx, "webhook.Process", trace.WithAttributes(
		attribute.String("webhook.source", d.Source),
		attribute.String("webhook.event_id", d.EventID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("webhook.outcome", string(res.Outcome)))
		span.End()
	}()

	if err := p.verifier.VerifyWebhook(d.Body, d.Signature); err != nil {
		p.log.Warnw("webhook signature rejected",
			"source", d.Source, "event_id", d.EventID, "body_bytes", len(d.Body))
		metrics.RecordWebhook(d.Source, "", "invalid_signature")
		return Result{}, err
	}

	if p.dedup != nil && d.EventID != "" {
		seen, err := p.dedup.Seen(ctx, d.EventID)
		if err != nil {
			p.log.Warnw("dedup lookup failed", "event_id", d.EventID, "err", err)
		} else if seen {
			p.log.Infow("duplicate delivery skipped", "event_id", d.EventID)
			metrics.RecordWebhook(d.Source, "", string(OutcomeDuplicate))
			return Result{Outcome: OutcomeDuplicate}, nil
		}
	}

	ev, err := events.Decode(d.Body)
	if err != nil {
		p.log.Warnw("malformed webhook payload", "source", d.Source, "event_id", d.EventID, "err", err)
		metrics.RecordWebhook(d.Source, "", "malformed")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("webhook.event", ev.Name))

	rr, err := p.reconciler.Apply(ctx, ev)
	res = Result{Event: ev.Name, Outcome: rr.Outcome, OrderID: rr.After.OrderID}
	switch {
	case errors.Is(err, reconcile.ErrOrphanEvent):
		err = nil
	case errors.Is(err, ledger.ErrInvariant):
		p.log.Errorw("ledger rejected mutation", "event", ev.Name, "event_id", d.EventID, "err", err)
		res.Outcome, err = OutcomeRejected, nil
	case err != nil:
		p.log.Errorw("ledger unavailable", "event", ev.Name, "event_id", d.EventID, "err", err)
		metrics.RecordWebhook(d.Source, ev.Name, "storage_error")
		return res, err
	}

	if rr.Outcome.Mutated() {
		p.publish(ctx, d, ev, rr)
	}
	if p.dedup != nil && d.EventID != "" {
		if err := p.dedup.Mark(ctx, d.EventID); err != nil {
			p.log.Warnw("dedup mark failed", "event_id", d.EventID, "err", err)
		}
	}
	metrics.RecordWebhook(d.Source, ev.Name, string(res.Outcome))
	return res, nil
}

// publish runs after the durable write; failures are logged and never undo it.
func (p *Processor) publish(ctx context.Context, d Delivery, ev events.Event, rr reconcile.Result) {
	change := orders.LedgerChangedPayload{
		OrderID:        rr.After.OrderID,
		GatewayEvent:   ev.Name,
		GatewayEventID: d.EventID,
		Outcome:        string(rr.Outcome),
		FromStatus:     rr.Before.Status,
		ToStatus:       rr.After.Status,
		Record:         rr.After,
	}
	for _, pub := range p.publishers {
		if err := pub.PublishLedgerChange(ctx, change); err != nil {
			p.log.Warnw("ledger change not published", "order_id", change.OrderID, "err", err)
		}
	}
}

// Retryable reports whether a failed delivery may succeed if sent again.
func Retryable(err error) bool {
	return errors.Is(err, ledger.ErrStorage)
}
