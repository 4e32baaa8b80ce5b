package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done with and its offset may be
// committed. A non-nil error makes the consumer retry the same message.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	log        *zap.SugaredLogger
	r          reader
	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(log *zap.SugaredLogger, brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // synchronous commits
	})
	return newConsumer(log, r, workers)
}

func newConsumer(log *zap.SugaredLogger, r reader, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		log:        log,
		r:          r,
		workers:    workers,
		backoff:    200 * time.Millisecond,
		maxBackoff: 5 * time.Second,
	}
}

// Start dispatches messages to the worker pool until ctx is cancelled. A
// partition always lands on the same worker, so offsets are committed in order
// and a failing message holds back the rest of its partition.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				if ctx.Err() != nil {
					continue
				}
				c.handle(ctx, h, m)
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) {
	wait := c.backoff
	for {
		err := h(ctx, m)
		if err == nil {
			break
		}
		c.log.Warnw("handler failed, retrying",
			"topic", m.Topic, "partition", m.Partition, "offset", m.Offset,
			"backoff", wait, "err", err)
		select {
		case <-ctx.Done():
			return // uncommitted, redelivered after restart
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		c.log.Errorw("kafka commit failed", "partition", m.Partition, "offset", m.Offset, "err", err)
	}
}
