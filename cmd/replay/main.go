package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-payment-reconciler/internal/app"
	"github.com/ariefcatur/go-payment-reconciler/internal/config"
	kafkax "github.com/ariefcatur/go-payment-reconciler/internal/kafka"
	"github.com/ariefcatur/go-payment-reconciler/internal/logging"
	"github.com/ariefcatur/go-payment-reconciler/internal/replay"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.New(cfg.ServiceName+"-replay", cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid config", "err", err)
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatalw("KAFKA_BROKERS is required for replay")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := app.OpenLedger(ctx, cfg, log)
	if err != nil {
		log.Fatalw("ledger", "err", err)
	}
	defer closeStore()

	pipe, err := app.NewPipeline(ctx, cfg, log, store)
	if err != nil {
		log.Fatalw("pipeline", "err", err)
	}
	defer pipe.Close()

	svc := replay.NewService(log, pipe.Processor)
	cons := kafkax.NewConsumer(log, cfg.KafkaBrokers, cfg.ReplayGroup, cfg.ReplayTopic, cfg.ReplayWorkers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Infow("replay consumer started", "group", cfg.ReplayGroup, "topic", cfg.ReplayTopic, "workers", cfg.ReplayWorkers)
		if err := cons.Start(ctx, svc.HandleDelivery); err != nil {
			log.Errorw("consumer exit", "err", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Infow("shutting down consumer")
	cancel()
	<-done
}
