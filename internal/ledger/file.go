package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ariefcatur/go-payment-reconciler/internal/metrics"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

// FileStore keeps the whole ledger in one JSON file. Every mutation rewrites
// the file through a temp file + rename, under a single-writer guard.
type FileStore struct {
	path        string
	guard       *semaphore.Weighted
	lockTimeout time.Duration

	// beforeRename runs after the temp file is synced; tests use it to fail a write.
	beforeRename func(tmp string) error
}

func NewFileStore(path string, lockTimeout time.Duration) *FileStore {
	return &FileStore{
		path:        path,
		guard:       semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
	}
}

// Init writes an empty ledger when none exists.
func (s *FileStore) Init(ctx context.Context) error {
	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %v", ErrStorage, s.path, err)
	}
	return s.writeAll([]orders.OrderRecord{})
}

func (s *FileStore) Load(ctx context.Context) ([]orders.OrderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readAll()
}

func (s *FileStore) Get(ctx context.Context, key Key) (orders.OrderRecord, error) {
	if !key.valid() {
		return orders.OrderRecord{}, fmt.Errorf("invalid ledger key %+v", key)
	}
	recs, err := s.Load(ctx)
	if err != nil {
		return orders.OrderRecord{}, err
	}
	i := find(recs, key)
	if i < 0 {
		return orders.OrderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return recs[i], nil
}

func (s *FileStore) Create(ctx context.Context, rec orders.OrderRecord) (err error) {
	if err := validateNew(rec); err != nil {
		return err
	}
	start := time.Now()
	defer func() { metrics.ObserveLedgerWrite("file", start, err) }()

	release, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	recs, err := s.readAll()
	if err != nil {
		return err
	}
	if find(recs, ByOrderID(rec.OrderID)) >= 0 {
		return fmt.Errorf("%w: order_id=%s", ErrDuplicate, rec.OrderID)
	}
	return s.writeAll(append(recs, rec))
}

func (s *FileStore) Apply(ctx context.Context, key Key, fn Mutation) (out orders.OrderRecord, err error) {
	if !key.valid() {
		return orders.OrderRecord{}, fmt.Errorf("invalid ledger key %+v", key)
	}
	start := time.Now()
	defer func() { metrics.ObserveLedgerWrite("file", start, err) }()

	release, err := s.lock(ctx)
	if err != nil {
		return orders.OrderRecord{}, err
	}
	defer release()

	recs, err := s.readAll()
	if err != nil {
		return orders.OrderRecord{}, err
	}
	i := find(recs, key)
	if i < 0 {
		return orders.OrderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cur := recs[i]

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
	if next.PaymentID != cur.PaymentID {
		if j := find(recs, ByPaymentID(next.PaymentID)); j >= 0 && j != i {
			return cur, fmt.Errorf("%w: payment_id %s already belongs to %s", ErrInvariant, next.PaymentID, recs[j].OrderID)
		}
	}
	next.UpdatedAt = time.Now().UTC()
	recs[i] = next

	if err := s.writeAll(recs); err != nil {
		return cur, err
	}
	return next, nil
}

// lock acquires the write guard, bounded by lockTimeout.
func (s *FileStore) lock(ctx context.Context) (func(), error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	if err := s.guard.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrLockTimeout, s.path, err)
	}
	return func() { s.guard.Release(1) }, nil
}

func (s *FileStore) readAll() ([]orders.OrderRecord, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []orders.OrderRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, s.path, err)
	}
	recs := []orders.OrderRecord{}
	if len(b) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStorage, s.path, err)
	}
	return recs, nil
}

// writeAll replaces the ledger file. On any error the previous file is untouched.
func (s *FileStore) writeAll(recs []orders.OrderRecord) error {
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorage, err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrStorage, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write temp: %v", ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync temp: %v", ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp: %v", ErrStorage, err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: replace %s: %v", ErrStorage, s.path, err)
	}
	committed = true
	syncDir(dir)
	return nil
}

// syncDir makes the rename durable; not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func find(recs []orders.OrderRecord, key Key) int {
	for i := range recs {
		if key.matches(recs[i]) {
			return i
		}
	}
	return -1
}
