package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ariefcatur/go-payment-reconciler/internal/app"
	"github.com/ariefcatur/go-payment-reconciler/internal/config"
	"github.com/ariefcatur/go-payment-reconciler/internal/gateway"
	"github.com/ariefcatur/go-payment-reconciler/internal/httpx"
	"github.com/ariefcatur/go-payment-reconciler/internal/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.ServiceName, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	if err := cfg.Validate(); err != nil {
		log.Fatalw("invalid config", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger
	store, closeStore, err := app.OpenLedger(ctx, cfg, log)
	if err != nil {
		log.Fatalw("ledger", "err", err)
	}
	defer closeStore()

	// Verifier, dedup, publishers
	pipe, err := app.NewPipeline(ctx, cfg, log, store)
	if err != nil {
		log.Fatalw("pipeline", "err", err)
	}

	router := httpx.NewRouter(log)
	ph := &httpx.PaymentsHandler{
		Log:             log,
		Webhooks:        pipe.Processor,
		Verifier:        pipe.Verifier,
		Gateway:         gateway.NewClient(cfg.RazorpayAPIURL, cfg.RazorpayKeyID, cfg.RazorpayKeySecret),
		Ledger:          store,
		StatusCache:     pipe.StatusCache,
		SignatureHeader: cfg.SignatureHeader,
	}
	ph.Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infow("HTTP listening", "addr", cfg.HTTPAddr, "ledger", cfg.LedgerBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("listen", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Infow("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	pipe.Close() // flush ledger change messages
	cancel()
}
