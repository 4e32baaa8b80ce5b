package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "LEDGER_BACKEND", "LEDGER_LOCK_TIMEOUT", "REDIS_ADDR", "KAFKA_BROKERS", "REPLAY_WORKERS",
		"LEDGER_TOPIC", "REPLAY_TOPIC", "RAZORPAY_API_URL", "WEBHOOK_SIGNATURE_HEADER"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, BackendFile, cfg.LedgerBackend)
	assert.Equal(t, "orders.json", cfg.LedgerPath)
	assert.Equal(t, 3*time.Second, cfg.LedgerLockTimeout)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.ReplayWorkers)
	assert.Equal(t, orders.TopicLedgerChanged, cfg.LedgerTopic)
	assert.Equal(t, orders.TopicWebhookRaw, cfg.ReplayTopic)
	assert.Empty(t, cfg.SignatureHeader)
	assert.Empty(t, cfg.RazorpayAPIURL)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "Postgres")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("REPLAY_WORKERS", "x")

	cfg := Load()
	assert.Equal(t, BackendPostgres, cfg.LedgerBackend)
	assert.Equal(t, 750*time.Millisecond, cfg.LedgerLockTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 4, cfg.ReplayWorkers)
}

func TestValidate(t *testing.T) {
	ok := Config{
		LedgerBackend:         BackendFile,
		LedgerPath:            "orders.json",
		LedgerLockTimeout:     time.Second,
		RazorpayKeySecret:     "ks",
		RazorpayWebhookSecret: "ws",
	}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.RazorpayWebhookSecret, bad.RazorpayKeySecret = "", ""
	bad.LedgerBackend = "sqlite"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RAZORPAY_WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "RAZORPAY_KEY_SECRET")
	assert.Contains(t, err.Error(), "sqlite")
}
