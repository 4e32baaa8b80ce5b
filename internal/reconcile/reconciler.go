// Package reconcile applies classified gateway events to the ledger.
//
// Every event is idempotent: a status moves only when the event's target is
// reachable from the current status, and identifiers are only ever filled in,
// so redelivered and reordered events converge on the same record.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciler/internal/events"
	"github.com/ariefcatur/go-payment-reconciler/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

var ErrOrphanEvent = errors.New("orphan event")

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"    // status moved
	OutcomeBackfilled Outcome = "backfilled" // status kept, identifier recorded
	OutcomeNoop       Outcome = "noop"       // duplicate or unsupported transition
	OutcomeIgnored    Outcome = "ignored"    // unknown event kind
	OutcomeOrphan     Outcome = "orphan"     // no ledger record for the key
)

// Mutated reports whether the outcome changed the ledger.
func (o Outcome) Mutated() bool {
	return o == OutcomeApplied || o == OutcomeBackfilled
}

type Result struct {
	Outcome Outcome
	Key     ledger.Key
	Before  orders.OrderRecord
	After   orders.OrderRecord
}

type Reconciler struct {
	log   *zap.SugaredLogger
	store ledger.Store
}

func NewReconciler(log *zap.SugaredLogger, store ledger.Store) *Reconciler {
	return &Reconciler{log: log, store: store}
}

// Apply reconciles ev into the ledger. A missing record yields ErrOrphanEvent with
// Outcome orphan; storage errors are returned as is.
func (r *Reconciler) Apply(ctx context.Context, ev events.Event) (Result, error) {
	rule, ok := ev.Rule()
	if !ok {
		r.log.Infow("ignoring unknown event", "event", ev.Name)
		return Result{Outcome: OutcomeIgnored}, nil
	}

	key := lookupKey(ev, rule)
	res := Result{Key: key}
	saved, err := r.store.Apply(ctx, key, func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		next, outcome := Transition(cur, ev, rule)
		res.Before, res.After, res.Outcome = cur, next, outcome
		return next, nil
	})
	if errors.Is(err, ledger.ErrNotFound) {
		r.log.Infow("orphan event", "event", ev.Name, "key", key.String())
		return Result{Outcome: OutcomeOrphan, Key: key}, fmt.Errorf("%w: %s %s", ErrOrphanEvent, ev.Name, key)
	}
	if err != nil {
		return Result{Key: key}, fmt.Errorf("reconcile %s %s: %w", ev.Name, key, err)
	}
	// the store stamps UpdatedAt on write; report what was persisted
	res.After = saved

	fields := []any{
		"event", ev.Name,
		"order_id", res.Before.OrderID,
		"outcome", string(res.Outcome),
		"from", string(res.Before.Status),
		"to", string(res.After.Status),
	}
	if res.Outcome == OutcomeNoop && res.Before.Status != rule.Target {
		r.log.Warnw("unsupported transition skipped", fields...)
	} else {
		r.log.Infow("event reconciled", fields...)
	}
	return res, nil
}

// lookupKey returns the zero Key, which every store rejects, for a rule without
// a lookup field.
func lookupKey(ev events.Event, rule events.Rule) ledger.Key {
	switch rule.LookupBy {
	case events.LookupPaymentID:
		return ledger.ByPaymentID(ev.PaymentID())
	case events.LookupOrderID:
		return ledger.ByOrderID(ev.OrderID())
	case events.LookupNone:
	}
	return ledger.Key{}
}

// Transition computes the next record for ev. It never moves a status backwards
// and never overwrites an identifier that is already set.
func Transition(cur orders.OrderRecord, ev events.Event, rule events.Rule) (orders.OrderRecord, Outcome) {
	next := cur
	if cur.Status != rule.Target && orders.Reachable(cur.Status, rule.Target) && !stale(cur, ev) {
		next.Status = rule.Target
		applyFields(&next, ev)
		return next, OutcomeApplied
	}

	if next.PaymentID == "" && ev.Payment != nil {
		next.PaymentID = ev.Payment.ID
	}
	if next.RefundID == "" && ev.Refund != nil {
		next.RefundID = ev.Refund.ID
		if next.RefundAmount == 0 {
			next.RefundAmount = ev.Refund.Amount
		}
	}
	if next.SameState(cur) {
		return cur, OutcomeNoop
	}
	return next, OutcomeBackfilled
}

// stale spots refund events that belong to an earlier refund attempt than the
// one the record currently tracks.
func stale(cur orders.OrderRecord, ev events.Event) bool {
	if ev.Refund == nil || cur.RefundID == "" {
		return false
	}
	switch ev.Kind {
	case events.KindRefundCreated:
		return cur.Status == orders.StatusRefundFailed && cur.RefundID == ev.Refund.ID
	case events.KindRefundProcessed, events.KindRefundFailed:
		return cur.Status == orders.StatusRefundInitiated && cur.RefundID != ev.Refund.ID
	}
	return false
}

func applyFields(next *orders.OrderRecord, ev events.Event) {
	switch ev.Kind {
	case events.KindPaymentCaptured:
		if next.PaymentID == "" {
			next.PaymentID = ev.Payment.ID
		}
		next.Reason = ""
	case events.KindPaymentFailed:
		if next.PaymentID == "" {
			next.PaymentID = ev.Payment.ID
		}
		next.Reason = ev.Payment.ErrorDescription
		if next.Reason == "" {
			next.Reason = "payment failed"
		}
	case events.KindRefundCreated, events.KindRefundProcessed:
		next.RefundID = ev.Refund.ID
		if ev.Refund.Amount > 0 {
			next.RefundAmount = ev.Refund.Amount
		}
		next.Reason = ""
	case events.KindRefundFailed:
		next.RefundID = ev.Refund.ID
		if ev.Refund.Amount > 0 {
			next.RefundAmount = ev.Refund.Amount
		}
		next.Reason = "refund " + ev.Refund.ID + " failed"
		if ev.Refund.Status != "" && ev.Refund.Status != "failed" {
			next.Reason += ": " + ev.Refund.Status
		}
	}
}
