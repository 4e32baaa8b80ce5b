// Package ledger is the durable record of every order's payment lifecycle.
//
// All writes go through Store.Apply, which serializes the read-modify-write of a
// record against every other writer and persists the result atomically.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

var (
	// ErrStorage marks persistence failures. Callers should treat it as retryable.
	ErrStorage = errors.New("ledger storage failure")
	// ErrLockTimeout is a storage failure raised when the write guard was not
	// acquired in time.
	ErrLockTimeout = fmt.Errorf("%w: lock not acquired in time", ErrStorage)

	ErrNotFound  = errors.New("ledger record not found")
	ErrDuplicate = errors.New("ledger record already exists")
	ErrInvariant = errors.New("ledger invariant violated")
)

// Key selects a record by order id or, when OrderID is empty, by payment id.
type Key struct {
	OrderID   string
	PaymentID string
}

func ByOrderID(id string) Key   { return Key{OrderID: id} }
func ByPaymentID(id string) Key { return Key{PaymentID: id} }

func (k Key) String() string {
	if k.OrderID != "" {
		return "order_id=" + k.OrderID
	}
	return "payment_id=" + k.PaymentID
}

func (k Key) valid() bool {
	return (k.OrderID == "") != (k.PaymentID == "")
}

func (k Key) matches(r orders.OrderRecord) bool {
	if k.OrderID != "" {
		return r.OrderID == k.OrderID
	}
	return k.PaymentID != "" && r.PaymentID == k.PaymentID
}

// Mutation computes the next version of a record. Returning a record with the
// same state skips the write.
type Mutation func(cur orders.OrderRecord) (orders.OrderRecord, error)

type Store interface {
	// Load returns every record; empty when the ledger does not exist yet.
	Load(ctx context.Context) ([]orders.OrderRecord, error)
	Get(ctx context.Context, key Key) (orders.OrderRecord, error)
	// Create inserts a new record in status created.
	Create(ctx context.Context, rec orders.OrderRecord) error
	// Apply runs fn on the record selected by key and persists the result.
	Apply(ctx context.Context, key Key, fn Mutation) (orders.OrderRecord, error)
}

func validateNew(rec orders.OrderRecord) error {
	switch {
	case rec.OrderID == "":
		return fmt.Errorf("%w: order_id required", ErrInvariant)
	case rec.Status != orders.StatusCreated:
		return fmt.Errorf("%w: new record must be %s, got %q", ErrInvariant, orders.StatusCreated, rec.Status)
	case rec.PaymentID != "" || rec.RefundID != "":
		return fmt.Errorf("%w: new record cannot carry payment or refund ids", ErrInvariant)
	}
	return nil
}

// validateMutation checks the per-record invariants between two versions.
// Cross-record uniqueness of payment_id is checked by each backend.
func validateMutation(cur, next orders.OrderRecord) error {
	if next.OrderID != cur.OrderID || next.Amount != cur.Amount || next.Currency != cur.Currency ||
		next.Receipt != cur.Receipt || !next.CreatedAt.Equal(cur.CreatedAt) {
		return fmt.Errorf("%w: immutable field changed on %s", ErrInvariant, cur.OrderID)
	}
	if cur.PaymentID != "" && next.PaymentID != cur.PaymentID {
		return fmt.Errorf("%w: payment_id of %s already set to %s", ErrInvariant, cur.OrderID, cur.PaymentID)
	}
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvariant, next.Status)
	}
	if next.Status != cur.Status && !orders.Reachable(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s cannot move %s -> %s", ErrInvariant, cur.OrderID, cur.Status, next.Status)
	}
	if next.Status.RefundRelated() && next.PaymentID == "" {
		return fmt.Errorf("%w: %s has no payment_id for status %s", ErrInvariant, cur.OrderID, next.Status)
	}
	return nil
}
