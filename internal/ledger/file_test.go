package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "orders.json"), 10*time.Second)
}

func seed(t *testing.T, s Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.Create(context.Background(), orders.NewOrderRecord(id, 10000, "INR", "rcpt_"+id)))
	}
}

func capture(paymentID string) Mutation {
	return func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		cur.Status = orders.StatusCaptured
		cur.PaymentID = paymentID
		return cur, nil
	}
}

func TestLoadFirstRunIsEmpty(t *testing.T) {
	s := newFileStore(t)
	recs, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestInitCreatesEmptyLedgerOnce(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	b, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))

	seed(t, s, "o_1")
	require.NoError(t, s.Init(ctx))
	recs, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestCreateAndGet(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")

	got, err := s.Get(ctx, ByOrderID("o_1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, got.Status)
	assert.Equal(t, int64(10000), got.Amount)
	assert.Equal(t, "rcpt_o_1", got.Receipt)

	err = s.Create(ctx, orders.NewOrderRecord("o_1", 1, "INR", ""))
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = s.Get(ctx, ByOrderID("o_404"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsBadRecords(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Create(ctx, orders.OrderRecord{Status: orders.StatusCreated}), ErrInvariant)

	r := orders.NewOrderRecord("o_1", 1, "INR", "")
	r.Status = orders.StatusCaptured
	assert.ErrorIs(t, s.Create(ctx, r), ErrInvariant)
}

func TestApplyByOrderAndPaymentID(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")

	out, err := s.Apply(ctx, ByOrderID("o_1"), capture("pay_1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, out.Status)
	assert.Equal(t, "pay_1", out.PaymentID)

	out, err = s.Apply(ctx, ByPaymentID("pay_1"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		cur.Status = orders.StatusRefundInitiated
		cur.RefundID = "rf_1"
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "o_1", out.OrderID)
	assert.Equal(t, orders.StatusRefundInitiated, out.Status)

	recs, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "rf_1", recs[0].RefundID)
}

func TestApplyUnknownKey(t *testing.T) {
	s := newFileStore(t)
	seed(t, s, "o_1")

	called := false
	_, err := s.Apply(context.Background(), ByPaymentID("pay_x"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		called = true
		return cur, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
}

func TestApplyRejectsInvalidKey(t *testing.T) {
	s := newFileStore(t)
	_, err := s.Apply(context.Background(), Key{}, capture("p"))
	assert.Error(t, err)
	_, err = s.Apply(context.Background(), Key{OrderID: "o", PaymentID: "p"}, capture("p"))
	assert.Error(t, err)
}

func TestApplyNoChangeSkipsWrite(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")

	before, err := os.Stat(s.path)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	out, err := s.Apply(ctx, ByOrderID("o_1"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, out.Status)

	after, err := os.Stat(s.path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestApplyMutationErrorLeavesRecord(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")

	boom := errors.New("boom")
	_, err := s.Apply(ctx, ByOrderID("o_1"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
		return orders.OrderRecord{}, boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, ByOrderID("o_1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, got.Status)
}

func TestApplyEnforcesInvariants(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1", "o_2")
	_, err := s.Apply(ctx, ByOrderID("o_1"), capture("pay_1"))
	require.NoError(t, err)

	cases := map[string]Mutation{
		"payment_id rewritten": func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			cur.PaymentID = "pay_other"
			return cur, nil
		},
		"amount changed": func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			cur.Amount++
			return cur, nil
		},
		"backward status": func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			cur.Status = orders.StatusCreated
			return cur, nil
		},
		"unknown status": func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			cur.Status = "paid"
			return cur, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := s.Apply(ctx, ByOrderID("o_1"), fn)
			assert.ErrorIs(t, err, ErrInvariant)
		})
	}

	t.Run("refund status without payment", func(t *testing.T) {
		_, err := s.Apply(ctx, ByOrderID("o_2"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			cur.Status = orders.StatusRefunded
			return cur, nil
		})
		assert.ErrorIs(t, err, ErrInvariant)
	})

	t.Run("payment_id unique across ledger", func(t *testing.T) {
		_, err := s.Apply(ctx, ByOrderID("o_2"), capture("pay_1"))
		assert.ErrorIs(t, err, ErrInvariant)
	})

	got, err := s.Get(ctx, ByOrderID("o_1"))
	require.NoError(t, err)
	assert.Equal(t, "pay_1", got.PaymentID)
	assert.Equal(t, orders.StatusCaptured, got.Status)
}

func TestFailedWriteKeepsLastGoodState(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")
	good, err := os.ReadFile(s.path)
	require.NoError(t, err)

	var tmpSeen string
	s.beforeRename = func(tmp string) error {
		tmpSeen = tmp
		return errors.New("disk yanked")
	}
	_, err = s.Apply(ctx, ByOrderID("o_1"), capture("pay_1"))
	assert.ErrorIs(t, err, ErrStorage)

	now, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Equal(t, good, now)

	_, statErr := os.Stat(tmpSeen)
	assert.True(t, os.IsNotExist(statErr), "temp file must be cleaned up")

	s.beforeRename = nil
	out, err := s.Apply(ctx, ByOrderID("o_1"), capture("pay_1"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, out.Status)
}

func TestCorruptLedgerIsStorageFailure(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, os.WriteFile(s.path, []byte(`[{"order_id":`), 0o644))

	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
	_, err = s.Apply(context.Background(), ByOrderID("o_1"), capture("p"))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestLockTimeout(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "orders.json"), 50*time.Millisecond)
	seed(t, s, "o_1")

	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := s.Apply(context.Background(), ByOrderID("o_1"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
			close(entered)
			<-unblock
			return cur, nil
		})
		done <- err
	}()
	<-entered

	_, err := s.Apply(context.Background(), ByOrderID("o_1"), capture("pay_1"))
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, err, ErrStorage)

	close(unblock)
	require.NoError(t, <-done)
}

func TestConcurrentMutationsDifferentOrders(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	const n = 20
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("o_%d", i)
	}
	seed(t, s, ids...)

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			_, err := s.Apply(ctx, ByOrderID(id), capture(fmt.Sprintf("pay_%d", i)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	recs, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, recs, n)
	for _, r := range recs {
		assert.Equal(t, orders.StatusCaptured, r.Status, r.OrderID)
		assert.True(t, strings.HasPrefix(r.PaymentID, "pay_"))
	}
}

func TestConcurrentMutationsSameOrderLoseNothing(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	seed(t, s, "o_1")

	// Each writer appends its own marker to reason; a lost update drops a marker.
	const n = 25
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := s.Apply(ctx, ByOrderID("o_1"), func(cur orders.OrderRecord) (orders.OrderRecord, error) {
				cur.Reason += fmt.Sprintf("[%d]", i)
				return cur, nil
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.Get(ctx, ByOrderID("o_1"))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		assert.Contains(t, got.Reason, fmt.Sprintf("[%d]", i))
	}
}
