package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-payment-reconciler/internal/events"
	"github.com/ariefcatur/go-payment-reconciler/internal/gateway"
	"github.com/ariefcatur/go-payment-reconciler/internal/ledger"
	"github.com/ariefcatur/go-payment-reconciler/internal/orders"
	"github.com/ariefcatur/go-payment-reconciler/internal/redisx"
	"github.com/ariefcatur/go-payment-reconciler/internal/signature"
	"github.com/ariefcatur/go-payment-reconciler/internal/webhook"
)

const (
	DefaultSignatureHeader = "X-Razorpay-Signature"
	EventIDHeader          = "X-Razorpay-Event-Id"
)

type PaymentsHandler struct {
	Log             *zap.SugaredLogger
	Webhooks        *webhook.Processor
	Verifier        *signature.Verifier
	Gateway         gateway.Gateway
	Ledger          ledger.Store
	StatusCache     *redisx.StatusCache // optional
	SignatureHeader string
}

type CreateOrderReq struct {
	Amount   int64             `json:"amount" validate:"gt=0"`
	Currency string            `json:"currency" validate:"omitempty,len=3,uppercase"`
	Receipt  string            `json:"receipt" validate:"max=40"`
	Notes    map[string]string `json:"notes" validate:"max=15"`
}

type VerifyPaymentReq struct {
	OrderID   string `json:"razorpay_order_id" validate:"required"`
	PaymentID string `json:"razorpay_payment_id" validate:"required"`
	Signature string `json:"razorpay_signature" validate:"required,hexadecimal"`
}

type RefundReq struct {
	PaymentID string `json:"payment_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
}

type resultResp struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Refund  *gateway.Refund `json:"refund,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/razorpay/webhook", h.webhook)
	r.Post("/verify-payment", h.verifyPayment)
	r.Post("/create-order", h.createOrder)
	r.Post("/refund", h.refund)
	r.Post("/payment-success", h.paymentSuccess)
	r.Post("/payment-failed", h.paymentFailed)
	r.Get("/ledger/orders/{id}", h.getLedgerOrder)
	r.Get("/orders/{id}/status", h.getOrderStatus)
}

func (h *PaymentsHandler) signatureHeader() string {
	if h.SignatureHeader != "" {
		return h.SignatureHeader
	}
	return DefaultSignatureHeader
}

// webhook must see the body byte for byte as sent, so it is read raw and never
// decoded before verification.
func (h *PaymentsHandler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	_, err = h.Webhooks.Process(r.Context(), webhook.Delivery{
		Body:      body,
		Signature: r.Header.Get(h.signatureHeader()),
		EventID:   r.Header.Get(EventIDHeader),
		Source:    webhook.SourceHTTP,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, signature.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid signature")
	case errors.Is(err, events.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, "malformed payload")
	case webhook.Retryable(err):
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	default:
		h.Log.Errorw("webhook failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// verifyPayment checks the checkout redirect signature. It is a hint for the
// browser flow only and never touches the ledger.
func (h *PaymentsHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentReq
	if err := decodeJSON(w, r, &req); err != nil ||
		!h.Verifier.VerifyRedirect(req.OrderID, req.PaymentID, req.Signature) {
		h.Log.Warnw("payment verification failed", "order_id", req.OrderID, "payment_id", req.PaymentID)
		writeJSON(w, http.StatusBadRequest, resultResp{Success: false, Message: "Payment verification failed."})
		return
	}
	writeJSON(w, http.StatusOK, resultResp{Success: true, Message: "Payment verified successfully."})
}

func (h *PaymentsHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Currency == "" {
		req.Currency = "INR"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	order, err := h.Gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		h.Log.Errorw("create order failed", "receipt", req.Receipt, "err", err)
		writeError(w, http.StatusBadGateway, "create order failed")
		return
	}

	rec := orders.NewOrderRecord(order.ID, order.Amount, order.Currency, order.Receipt)
	if err := h.Ledger.Create(ctx, rec); err != nil {
		h.Log.Errorw("ledger insert failed", "order_id", order.ID, "err", err)
		code := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrStorage) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, "order created but not recorded")
		return
	}
	if h.StatusCache != nil {
		if err := h.StatusCache.Set(ctx, order.ID, orders.StatusCreated); err != nil {
			h.Log.Warnw("status cache write failed", "order_id", order.ID, "err", err)
		}
	}
	h.Log.Infow("order created", "order_id", order.ID, "amount", order.Amount, "currency", order.Currency)
	writeJSON(w, http.StatusOK, order)
}

// refund asks the gateway to refund a payment. The ledger moves only when the
// matching refund.* notification arrives.
func (h *PaymentsHandler) refund(w http.ResponseWriter, r *http.Request) {
	var req RefundReq
	if err := decodeJSON(w, r, &req); err != nil {
		msg := "Invalid refund request."
		if failedOn(err, "payment_id", "required") {
			msg = "Payment ID is required for refund."
		}
		writeJSON(w, http.StatusBadRequest, resultResp{Success: false, Message: msg, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rf, err := h.Gateway.Refund(ctx, req.PaymentID, req.Amount)
	if err != nil {
		h.Log.Errorw("refund failed", "payment_id", req.PaymentID, "err", err)
		code := http.StatusBadGateway
		if errors.Is(err, gateway.ErrRejected) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, resultResp{Success: false, Message: "Refund failed", Error: err.Error()})
		return
	}
	h.Log.Infow("refund initiated", "payment_id", req.PaymentID, "refund_id", rf.ID, "amount", rf.Amount)
	writeJSON(w, http.StatusOK, resultResp{Success: true, Message: "Refund initiated successfully", Refund: &rf})
}

func (h *PaymentsHandler) paymentSuccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, resultResp{Success: true, Message: "Payment successful"})
}

func (h *PaymentsHandler) paymentFailed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Payment failed! Please try again."))
}

func (h *PaymentsHandler) getLedgerOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	rec, err := h.Ledger.Get(ctx, ledger.ByOrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// getOrderStatus serves from the status cache when it can and fills it from the
// ledger on a miss.
func (h *PaymentsHandler) getOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.StatusCache != nil {
		status, ok, err := h.StatusCache.Get(ctx, orderID)
		if err != nil {
			h.Log.Warnw("status cache read failed", "order_id", orderID, "err", err)
		} else if ok {
			writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": status, "cached": true})
			return
		}
	}

	rec, err := h.Ledger.Get(ctx, ledger.ByOrderID(orderID))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if h.StatusCache != nil {
		_ = h.StatusCache.Set(ctx, orderID, rec.Status)
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": rec.Status, "cached": false})
}

func (h *PaymentsHandler) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrStorage):
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
