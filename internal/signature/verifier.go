// Package signature authenticates gateway traffic.
//
// Webhook bodies and browser redirect confirmations are signed with different
// secrets and are never verified against each other's secret.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingSecret    = errors.New("signature secret not configured")
)

type Verifier struct {
	webhookSecret  []byte
	redirectSecret []byte
}

// NewVerifier takes the webhook secret and the API key secret used for redirect signatures.
func NewVerifier(webhookSecret, redirectSecret string) (*Verifier, error) {
	if webhookSecret == "" || redirectSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{
		webhookSecret:  []byte(webhookSecret),
		redirectSecret: []byte(redirectSecret),
	}, nil
}

// VerifyWebhook checks the hex HMAC-SHA256 of raw against signatureHex.
// raw must be the body exactly as received.
func (v *Verifier) VerifyWebhook(raw []byte, signatureHex string) error {
	if !equalHex(mac(v.webhookSecret, raw), signatureHex) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyRedirect checks the checkout redirect signature over "order_id|payment_id".
func (v *Verifier) VerifyRedirect(orderID, paymentID, signatureHex string) bool {
	if orderID == "" || paymentID == "" {
		return false
	}
	return equalHex(mac(v.redirectSecret, redirectMessage(orderID, paymentID)), signatureHex)
}

func (v *Verifier) SignWebhook(raw []byte) string {
	return hex.EncodeToString(mac(v.webhookSecret, raw))
}

func (v *Verifier) SignRedirect(orderID, paymentID string) string {
	return hex.EncodeToString(mac(v.redirectSecret, redirectMessage(orderID, paymentID)))
}

func redirectMessage(orderID, paymentID string) []byte {
	return []byte(orderID + "|" + paymentID)
}

func mac(secret, msg []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(msg)
	return h.Sum(nil)
}

// equalHex compares in constant time; hex case is not significant.
func equalHex(expected []byte, providedHex string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(providedHex))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, provided)
}
