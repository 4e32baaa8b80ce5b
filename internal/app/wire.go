// Package app assembles the ledger and the webhook pipeline from configuration.
// Both binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciler/internal/config"
	kafkax "github.com/ariefcatur/go-payment-reconciler/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciler/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciler/internal/postgres"
	"github.com/ariefcatur/go-payment-reconciler/internal/reconcile"
	"github.com/ariefcatur/go-payment-reconciler/internal/redisx"
	"github.com/ariefcatur/go-payment-reconciler/internal/signature"
	"github.com/ariefcatur/go-payment-reconciler/internal/webhook"
)

func init() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
}

// OpenLedger returns the configured store and a func releasing its resources.
func OpenLedger(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (ledger.Store, func(), error) {
	switch cfg.LedgerBackend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.Options{ApplicationName: cfg.ServiceName})
		if err != nil {
			return nil, nil, err
		}
		s := ledger.NewPGStore(pool, cfg.LedgerLockTimeout)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Infow("ledger ready", "backend", cfg.LedgerBackend)
		return s, pool.Close, nil
	case config.BackendFile:
		s := ledger.NewFileStore(cfg.LedgerPath, cfg.LedgerLockTimeout)
		if err := s.Init(ctx); err != nil {
			return nil, nil, err
		}
		log.Infow("ledger ready", "backend", cfg.LedgerBackend, "path", cfg.LedgerPath)
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// Pipeline holds the webhook processor and the optional collaborators it was
// built with. Close releases them.
type Pipeline struct {
	Processor   *webhook.Processor
	Verifier    *signature.Verifier
	Redis       *redis.Client       // nil without REDIS_ADDR
	StatusCache *redisx.StatusCache // nil without REDIS_ADDR
	Producer    *kafkax.Producer    // nil without KAFKA_BROKERS
}

func NewPipeline(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, store ledger.Store) (*Pipeline, error) {
	v, err := signature.NewVerifier(cfg.RazorpayWebhookSecret, cfg.RazorpayKeySecret)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{Verifier: v}
	var opts []webhook.Option

	if cfg.RedisAddr != "" {
		p.Redis = redisx.New(cfg.RedisAddr)
		if err := redisx.Ping(ctx, p.Redis); err != nil {
			log.Warnw("redis unreachable, dedup fast path degraded", "addr", cfg.RedisAddr, "err", err)
		}
		p.StatusCache = redisx.NewStatusCache(p.Redis)
		opts = append(opts,
			webhook.WithDeduper(redisx.NewDeduper(p.Redis, cfg.ServiceName)),
			webhook.WithPublisher(p.StatusCache))
	}
	if len(cfg.KafkaBrokers) > 0 {
		p.Producer = kafkax.NewProducer(log, cfg.KafkaBrokers, cfg.LedgerTopic, 1024)
		p.Producer.Start(ctx)
		opts = append(opts, webhook.WithPublisher(kafkax.NewLedgerPublisher(p.Producer, cfg.ServiceName)))
	}

	p.Processor = webhook.NewProcessor(log, v, reconcile.NewReconciler(log, store), opts...)
	return p, nil
}

// Close flushes pending ledger change messages and closes connections.
func (p *Pipeline) Close() {
	if p.Producer != nil {
		p.Producer.Close()
		p.Producer.WaitClosed()
	}
	if p.Redis != nil {
		_ = p.Redis.Close()
	}
}
