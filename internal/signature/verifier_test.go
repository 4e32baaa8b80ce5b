package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body = `{"entity":"event","event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"o_1"}}}}`

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier("whsec", "keysecret")
	require.NoError(t, err)
	return v
}

func TestNewVerifierRequiresBothSecrets(t *testing.T) {
	_, err := NewVerifier("", "x")
	assert.ErrorIs(t, err, ErrMissingSecret)
	_, err = NewVerifier("x", "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestVerifyWebhook(t *testing.T) {
	v := newVerifier(t)

	h := hmac.New(sha256.New, []byte("whsec"))
	h.Write([]byte(body))
	sig := hex.EncodeToString(h.Sum(nil))

	require.NoError(t, v.VerifyWebhook([]byte(body), sig))
	assert.Equal(t, sig, v.SignWebhook([]byte(body)))
	assert.NoError(t, v.VerifyWebhook([]byte(body), strings.ToUpper(sig)))
}

func TestVerifyWebhookRejectsAnySingleByteChange(t *testing.T) {
	v := newVerifier(t)
	raw := []byte(body)
	sig := v.SignWebhook(raw)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		assert.ErrorIs(t, v.VerifyWebhook(tampered, sig), ErrInvalidSignature, "body byte %d", i)
	}

	sigBytes := []byte(sig)
	for i := range sigBytes {
		tampered := append([]byte(nil), sigBytes...)
		if tampered[i] == '0' {
			tampered[i] = '1'
		} else {
			tampered[i] = '0'
		}
		assert.ErrorIs(t, v.VerifyWebhook(raw, string(tampered)), ErrInvalidSignature, "signature byte %d", i)
	}
}

func TestVerifyWebhookRejectsGarbage(t *testing.T) {
	v := newVerifier(t)
	assert.ErrorIs(t, v.VerifyWebhook([]byte(body), ""), ErrInvalidSignature)
	assert.ErrorIs(t, v.VerifyWebhook([]byte(body), "not-hex"), ErrInvalidSignature)
	assert.ErrorIs(t, v.VerifyWebhook([]byte(body), v.SignWebhook([]byte(body))[:10]), ErrInvalidSignature)
}

func TestVerifyWebhookReserializedBodyFails(t *testing.T) {
	v := newVerifier(t)
	sig := v.SignWebhook([]byte(body))
	// same JSON, different byte layout
	reencoded := strings.ReplaceAll(body, ",", ", ")
	assert.ErrorIs(t, v.VerifyWebhook([]byte(reencoded), sig), ErrInvalidSignature)
}

func TestVerifyRedirect(t *testing.T) {
	v := newVerifier(t)

	h := hmac.New(sha256.New, []byte("keysecret"))
	h.Write([]byte("o_1|pay_1"))
	sig := hex.EncodeToString(h.Sum(nil))

	assert.True(t, v.VerifyRedirect("o_1", "pay_1", sig))
	assert.Equal(t, sig, v.SignRedirect("o_1", "pay_1"))
	assert.False(t, v.VerifyRedirect("o_1", "pay_2", sig))
	assert.False(t, v.VerifyRedirect("o_2", "pay_1", sig))
	assert.False(t, v.VerifyRedirect("o_1", "pay_1", "zz"))
	assert.False(t, v.VerifyRedirect("", "", v.SignRedirect("", "")))
}

func TestSecretsAreNotInterchangeable(t *testing.T) {
	v := newVerifier(t)

	webhookSigned := v.SignWebhook([]byte("o_1|pay_1"))
	assert.False(t, v.VerifyRedirect("o_1", "pay_1", webhookSigned))

	redirectSigned := v.SignRedirect("o_1", "pay_1")
	assert.ErrorIs(t, v.VerifyWebhook([]byte("o_1|pay_1"), redirectSigned), ErrInvalidSignature)
}
