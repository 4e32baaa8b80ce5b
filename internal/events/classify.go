package events

import (
	"fmt"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindPaymentCaptured
	KindPaymentFailed
	KindRefundCreated
	KindRefundProcessed
	KindRefundFailed
)

const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventRefundCreated   = "refund.created"
	EventRefundProcessed = "refund.processed"
	EventRefundFailed    = "refund.failed"
)

var kindByName = map[string]Kind{
	EventPaymentCaptured: KindPaymentCaptured,
	EventPaymentFailed:   KindPaymentFailed,
	EventRefundCreated:   KindRefundCreated,
	EventRefundProcessed: KindRefundProcessed,
	EventRefundFailed:    KindRefundFailed,
}

func (k Kind) String() string {
	for name, kk := range kindByName {
		if kk == k {
			return name
		}
	}
	return "unknown"
}

// LookupField names the ledger key an event is matched on.
type LookupField int

const (
	LookupNone LookupField = iota
	LookupOrderID
	LookupPaymentID
)

// Rule is what the reconciler does with a kind: the status it moves the record
// towards and the key used to find the record.
type Rule struct {
	Target   orders.Status
	LookupBy LookupField
}

var rules = map[Kind]Rule{
	KindPaymentCaptured: {Target: orders.StatusCaptured, LookupBy: LookupOrderID},
	KindPaymentFailed:   {Target: orders.StatusFailed, LookupBy: LookupOrderID},
	KindRefundCreated:   {Target: orders.StatusRefundInitiated, LookupBy: LookupPaymentID},
	KindRefundProcessed: {Target: orders.StatusRefunded, LookupBy: LookupPaymentID},
	KindRefundFailed:    {Target: orders.StatusRefundFailed, LookupBy: LookupPaymentID},
}

// Event is a classified notification. Exactly one of Payment/Refund is set for
// known kinds; both are nil for KindUnknown.
type Event struct {
	Kind    Kind
	Name    string
	Payment *PaymentEntity
	Refund  *RefundEntity
}

func (e Event) Rule() (Rule, bool) {
	r, ok := rules[e.Kind]
	return r, ok
}

// OrderID is the order the event refers to, when the entity carries one.
func (e Event) OrderID() string {
	if e.Payment != nil {
		return e.Payment.OrderID
	}
	return ""
}

// PaymentID is the payment id carried by the entity (payment.id or refund.payment_id).
func (e Event) PaymentID() string {
	switch {
	case e.Payment != nil:
		return e.Payment.ID
	case e.Refund != nil:
		return e.Refund.PaymentID
	}
	return ""
}

func (e Event) RefundID() string {
	if e.Refund != nil {
		return e.Refund.ID
	}
	return ""
}

// Classify maps a parsed notification to an Event. Unrecognized event names are
// returned as KindUnknown with a nil error.
func Classify(n Notification) (Event, error) {
	kind, ok := kindByName[n.Event]
	if !ok {
		return Event{Kind: KindUnknown, Name: n.Event}, nil
	}
	ev := Event{Kind: kind, Name: n.Event}

	switch kind {
	case KindPaymentCaptured, KindPaymentFailed:
		p, err := UnwrapEntity[PaymentEntity](n, "payment")
		if err != nil {
			return Event{}, err
		}
		if p.ID == "" || p.OrderID == "" {
			return Event{}, fmt.Errorf("%w: %s needs payment id and order_id", ErrMalformedPayload, n.Event)
		}
		ev.Payment = &p
	case KindRefundCreated, KindRefundProcessed, KindRefundFailed:
		r, err := UnwrapEntity[RefundEntity](n, "refund")
		if err != nil {
			return Event{}, err
		}
		if r.ID == "" || r.PaymentID == "" {
			return Event{}, fmt.Errorf("%w: %s needs refund id and payment_id", ErrMalformedPayload, n.Event)
		}
		ev.Refund = &r
	}
	return ev, nil
}

// Decode parses and classifies a verified raw body.
func Decode(raw []byte) (Event, error) {
	n, err := Parse(raw)
	if err != nil {
		return Event{}, err
	}
	return Classify(n)
}
