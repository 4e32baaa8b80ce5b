package orders

const (
	TopicLedgerChanged = "payments.ledger.changed"
	TopicWebhookRaw    = "payments.webhook.raw"
)

// Partition key = order_id, so every change of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
