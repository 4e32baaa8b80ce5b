// Package webhooktest builds gateway notification bodies for tests.
package webhooktest

import "fmt"

const (
	WebhookSecret  = "whsec_test"
	RedirectSecret = "key_secret_test"
)

func Payment(event, orderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{"entity":"event","account_id":"acc_test","event":%q,"contains":["payment"],`+
		`"payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":10000,"currency":"INR","status":"captured"}}},`+
		`"created_at":1700000000}`, event, paymentID, orderID))
}

func Refund(event, refundID, paymentID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"entity":"event","account_id":"acc_test","event":%q,"contains":["refund","payment"],`+
		`"payload":{"refund":{"entity":{"id":%q,"payment_id":%q,"amount":%d,"currency":"INR","status":"processed"}}},`+
		`"created_at":1700000000}`, event, refundID, paymentID, amount))
}
