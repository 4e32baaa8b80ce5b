package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-payment-reconciler/internal/metrics"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_ledger (
	order_id      TEXT PRIMARY KEY,
	amount        BIGINT NOT NULL,
	currency      TEXT NOT NULL,
	receipt       TEXT NOT NULL DEFAULT '',
	payment_id    TEXT UNIQUE,
	refund_id     TEXT,
	refund_amount BIGINT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	reason        TEXT,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`

const selectCols = `order_id, amount, currency, receipt, COALESCE(payment_id,''), COALESCE(refund_id,''),
	refund_amount, status, COALESCE(reason,''), created_at, updated_at`

const (
	pgUniqueViolation = "23505"
	pgLockNotAvail    = "55P03"
)

// PGStore keeps one row per order. Apply locks the row (SELECT ... FOR UPDATE)
// for the duration of the read-modify-write.
type PGStore struct {
	DB          *pgxpool.Pool
	LockTimeout time.Duration
}

func NewPGStore(db *pgxpool.Pool, lockTimeout time.Duration) *PGStore {
	return &PGStore{DB: db, LockTimeout: lockTimeout}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStorage, err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) ([]orders.OrderRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+selectCols+` FROM payment_ledger ORDER BY created_at, order_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	defer rows.Close()

	out := []orders.OrderRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrStorage, err)
	}
	return out, nil
}

func (s *PGStore) Get(ctx context.Context, key Key) (orders.OrderRecord, error) {
	if !key.valid() {
		return orders.OrderRecord{}, fmt.Errorf("invalid ledger key %+v", key)
	}
	col, val := keyColumn(key)
	r, err := scanRecord(s.DB.QueryRow(ctx, `SELECT `+selectCols+` FROM payment_ledger WHERE `+col+`=$1`, val))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.OrderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return orders.OrderRecord{}, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	return r, nil
}

func (s *PGStore) Create(ctx context.Context, rec orders.OrderRecord) (err error) {
	if err := validateNew(rec); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.ObserveLedgerWrite("postgres", start, err) }()

	_, err = s.DB.Exec(ctx, `
		INSERT INTO payment_ledger(order_id, amount, currency, receipt, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.OrderID, rec.Amount, rec.Currency, rec.Receipt, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return fmt.Errorf("%w: order_id=%s", ErrDuplicate, rec.OrderID)
	}
	if err != nil {
		return fmt.Errorf("%w: insert: %v", ErrStorage, err)
	}
	return nil
}

func (s *PGStore) Apply(ctx context.Context, key Key, fn Mutation) (out orders.OrderRecord, err error) {
	if !key.valid() {
		return orders.OrderRecord{}, fmt.Errorf("invalid ledger key %+v", key)
	}
	start := time.Now()
	defer func() { metrics.ObserveLedgerWrite("postgres", start, err) }()

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return orders.OrderRecord{}, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.LockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return orders.OrderRecord{}, fmt.Errorf("%w: lock_timeout: %v", ErrStorage, err)
		}
	}

	col, val := keyColumn(key)
	cur, err := scanRecord(tx.QueryRow(ctx, `SELECT `+selectCols+` FROM payment_ledger WHERE `+col+`=$1 FOR UPDATE`, val))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return orders.OrderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	case isPgCode(err, pgLockNotAvail):
		return orders.OrderRecord{}, fmt.Errorf("%w (%s): %v", ErrLockTimeout, key, err)
	case err != nil:
		return orders.OrderRecord{}, fmt.Errorf("%w: select %s: %v", ErrStorage, key, err)
	}

	next, err := fn(cur)
	if err != nil {
		return cur, err
	}
	if cur.SameState(next) {
		return cur, nil
	}
	if err := validateMutation(cur, next); err != nil {
		return cur, err
	}
	next.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE payment_ledger
		SET payment_id=NULLIF($2,''), refund_id=NULLIF($3,''), refund_amount=$4,
		    status=$5, reason=NULLIF($6,''), updated_at=$7
		WHERE order_id=$1`,
		next.OrderID, next.PaymentID, next.RefundID, next.RefundAmount, string(next.Status), next.Reason, next.UpdatedAt)
	if isPgCode(err, pgUniqueViolation) {
		return cur, fmt.Errorf("%w: payment_id %s already in use", ErrInvariant, next.PaymentID)
	}
	if err != nil {
		return cur, fmt.Errorf("%w: update %s: %v", ErrStorage, key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return next, nil
}

func keyColumn(k Key) (string, string) {
	if k.OrderID != "" {
		return "order_id", k.OrderID
	}
	return "payment_id", k.PaymentID
}

func scanRecord(row pgx.Row) (orders.OrderRecord, error) {
	var r orders.OrderRecord
	var status string
	err := row.Scan(&r.OrderID, &r.Amount, &r.Currency, &r.Receipt, &r.PaymentID, &r.RefundID,
		&r.RefundAmount, &status, &r.Reason, &r.CreatedAt, &r.UpdatedAt)
	r.Status = orders.Status(status)
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, err
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
