package orders

type Status string

const (
	StatusCreated         Status = "created"
	StatusCaptured        Status = "captured"
	StatusFailed          Status = "failed"
	StatusRefundInitiated Status = "refund_initiated"
	StatusRefunded        Status = "refunded"
	StatusRefundFailed    Status = "refund_failed"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:         {StatusCaptured: true, StatusFailed: true},
	StatusCaptured:        {StatusRefundInitiated: true},
	StatusRefundInitiated: {StatusRefunded: true, StatusRefundFailed: true},
	StatusRefundFailed:    {StatusRefundInitiated: true}, // retry
	StatusFailed:          {},
	StatusRefunded:        {},
}

// CanTransition reports whether to is a direct edge out of from.
func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Reachable reports whether to can be reached from from over one or more edges.
// A status is not reachable from itself unless a cycle leads back to it.
func Reachable(from, to Status) bool {
	seen := map[Status]bool{}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range validNext[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Valid() && len(validNext[s]) == 0
}

// RefundRelated reports whether s requires a captured payment on the record.
func (s Status) RefundRelated() bool {
	switch s {
	case StatusRefundInitiated, StatusRefunded, StatusRefundFailed:
		return true
	}
	return false
}
