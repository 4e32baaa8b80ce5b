// Package gateway calls the payment gateway's REST API for the two operations
// the merchant starts itself: creating an order and initiating a refund.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	razorpay "github.com/razorpay/razorpay-go"
	rzperrors "github.com/razorpay/razorpay-go/errors"
)

// DefaultBaseURL is the API host; the SDK adds the version prefix.
const DefaultBaseURL = "https://api.razorpay.com"

const (
	CodeBadRequest  = "BAD_REQUEST_ERROR"
	CodeServerError = "SERVER_ERROR"
)

var ErrRejected = errors.New("gateway rejected request")

// Gateway is the part of the gateway API the service uses.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	Refund(ctx context.Context, paymentID string, amount int64) (Refund, error)
}

type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type Order struct {
	ID         string            `json:"id"`
	Entity     string            `json:"entity"`
	Amount     int64             `json:"amount"`
	AmountPaid int64             `json:"amount_paid"`
	AmountDue  int64             `json:"amount_due"`
	Currency   string            `json:"currency"`
	Receipt    string            `json:"receipt"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	Notes      map[string]string `json:"notes,omitempty"`
	CreatedAt  int64             `json:"created_at"`
}

type Refund struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type payment struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
}

// APIError is an error reported by the gateway. Only client errors unwrap to
// ErrRejected; server side failures are worth retrying.
type APIError struct {
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Code, e.Description)
}

func (e *APIError) Unwrap() error {
	if e.Code == CodeBadRequest {
		return ErrRejected
	}
	return nil
}

// sdkMu serializes client construction: the SDK keeps the request settings of
// the most recent client in a package variable.
var sdkMu sync.Mutex

// Client wraps the gateway SDK. SDK calls take no context, so each call runs on
// its own goroutine and ctx only bounds how long the caller waits; the SDK's own
// HTTP timeout bounds the goroutine.
type Client struct {
	rzp *razorpay.Client
}

func NewClient(baseURL, keyID, keySecret string) *Client {
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	sdkMu.Lock()
	defer sdkMu.Unlock()
	rzp := razorpay.NewClient(keyID, keySecret)
	rzp.Request.BaseURL = baseURL
	return &Client{rzp: rzp}
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": req.Currency,
	}
	if req.Receipt != "" {
		data["receipt"] = req.Receipt
	}
	if len(req.Notes) > 0 {
		data["notes"] = req.Notes
	}

	var out Order
	err := call(ctx, func() (map[string]interface{}, error) {
		return c.rzp.Order.Create(data, nil)
	}, &out)
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return out, nil
}

// Refund starts a refund of amount, or of whatever is still unrefunded when
// amount is 0. The ledger is updated later, from the refund.* notifications.
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64) (Refund, error) {
	if amount <= 0 {
		var p payment
		err := call(ctx, func() (map[string]interface{}, error) {
			return c.rzp.Payment.Fetch(paymentID, nil, nil)
		}, &p)
		if err != nil {
			return Refund{}, fmt.Errorf("refund %s: fetch payment: %w", paymentID, err)
		}
		amount = p.Amount - p.AmountRefunded
	}

	var out Refund
	err := call(ctx, func() (map[string]interface{}, error) {
		return c.rzp.Payment.Refund(paymentID, int(amount), nil, nil)
	}, &out)
	if err != nil {
		return Refund{}, fmt.Errorf("refund %s: %w", paymentID, err)
	}
	return out, nil
}

type sdkResult struct {
	body map[string]interface{}
	err  error
}

// call runs fn and decodes its response into out.
func call(ctx context.Context, fn func() (map[string]interface{}, error), out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan sdkResult, 1)
	go func() {
		body, err := fn()
		done <- sdkResult{body: body, err: err}
	}()

	var res sdkResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return translate(res.err)
	}

	raw, err := json.Marshal(res.body)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// translate surfaces client errors as APIError. Anything else, a gateway
// server error or a transport failure, is returned unchanged and never
// unwraps to ErrRejected.
func translate(err error) error {
	var bad *rzperrors.BadRequestError
	if errors.As(err, &bad) {
		return &APIError{Code: CodeBadRequest, Description: bad.Error()}
	}
	return err
}
