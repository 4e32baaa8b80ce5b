package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-payment-reconciler/internal/logging"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducerFlushesOnClose(t *testing.T) {
	w := &memWriter{}
	p := newProducer(logging.Nop(), w, 16)
	p.Start(context.Background())

	ctx := context.Background()
	for _, k := range []string{"o_1", "o_2", "o_1"} {
		require.NoError(t, p.Publish(ctx, []byte(k), []byte(`{}`)))
	}
	p.Close()
	p.WaitClosed()

	assert.True(t, w.closed)
	require.Len(t, w.msgs, 3)
	assert.Equal(t, "o_2", string(w.msgs[1].Key))

	assert.ErrorIs(t, p.Publish(ctx, []byte("o_3"), nil), ErrProducerClosed)
	p.Close()
}

func TestProducerStopsWithContext(t *testing.T) {
	w := &memWriter{}
	p := newProducer(logging.Nop(), w, 1)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.NoError(t, p.Publish(ctx, []byte("o_1"), nil))

	cancel()
	p.WaitClosed()
	assert.True(t, w.closed)
	assert.Len(t, w.msgs, 1)
}

func TestLedgerPublisherEnvelope(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator()) })

	w := &memWriter{}
	p := newProducer(logging.Nop(), w, 4)
	p.Start(context.Background())
	lp := NewLedgerPublisher(p, "reconciler")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))

	rec := orders.NewOrderRecord("o_1", 500, "INR", "")
	rec.Status, rec.PaymentID = orders.StatusCaptured, "pay_1"
	require.NoError(t, lp.PublishLedgerChange(ctx, orders.LedgerChangedPayload{
		OrderID:      "o_1",
		GatewayEvent: "payment.captured",
		Outcome:      "applied",
		FromStatus:   orders.StatusCreated,
		ToStatus:     orders.StatusCaptured,
		Record:       rec,
	}))
	p.Close()
	p.WaitClosed()

	require.Len(t, w.msgs, 1)
	m := w.msgs[0]
	assert.Equal(t, "o_1", string(m.Key))
	assert.Equal(t, orders.EventLedgerChanged, HeaderValue(m.Headers, HeaderEventType))
	assert.Equal(t, "1", HeaderValue(m.Headers, HeaderEventVersion))
	assert.Contains(t, HeaderValue(m.Headers, "traceparent"), traceID.String())

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(m.Value, &env))
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "reconciler", env.Producer)
	assert.Equal(t, "o_1", env.CorrelationID)
	assert.Equal(t, traceID.String(), env.TraceID)

	payload, err := UnwrapPayload[orders.LedgerChangedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCaptured, payload.ToStatus)
	assert.Equal(t, "pay_1", payload.Record.PaymentID)

	extracted := trace.SpanContextFromContext(ExtractTrace(context.Background(), m.Headers))
	assert.Equal(t, traceID, extracted.TraceID())
}

type memReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *memReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *memReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

func TestConsumerRetriesUntilHandled(t *testing.T) {
	r := &memReader{pending: []kafka.Message{
		{Partition: 0, Offset: 1, Value: []byte("a")},
		{Partition: 1, Offset: 1, Value: []byte("b")},
		{Partition: 0, Offset: 2, Value: []byte("c")},
	}}
	c := newConsumer(logging.Nop(), r, 2)
	c.backoff, c.maxBackoff = time.Millisecond, 2*time.Millisecond

	var mu sync.Mutex
	attempts := map[string]int{}
	var order []string
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		v := string(m.Value)
		attempts[v]++
		if v == "a" && attempts[v] < 3 {
			return errors.New("storage unavailable")
		}
		order = append(order, v)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	require.Eventually(t, func() bool { return len(r.commits()) == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts["a"])
	assert.Equal(t, 1, attempts["c"])
	// c shares a's partition and must wait for it
	assert.Less(t, indexOf(order, "a"), indexOf(order, "c"))
	assert.True(t, r.closed)
}

func TestConsumerDoesNotCommitUnhandledOnShutdown(t *testing.T) {
	r := &memReader{pending: []kafka.Message{{Partition: 0, Offset: 7}}}
	c := newConsumer(logging.Nop(), r, 1)
	c.backoff = 5 * time.Millisecond

	called := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, kafka.Message) error {
			select {
			case called <- struct{}{}:
			default:
			}
			return errors.New("still down")
		})
	}()

	<-called
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, r.commits())
}

func indexOf(xs []string, v string) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}
