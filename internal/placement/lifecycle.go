package placement

// OrderStatus is an order book status as the upstream reports it.
type OrderStatus string

const (
	// StatusReceived: order accepted by the gateway, not yet validated.
	StatusReceived OrderStatus = "PUT ORDER REQ RECEIVED"
	// StatusValidationPending: risk checks in progress.
	StatusValidationPending OrderStatus = "VALIDATION PENDING"
	// StatusOpenPending: validated, on its way to the exchange.
	StatusOpenPending OrderStatus = "OPEN PENDING"
	// StatusOpen: resting at the exchange, can fill.
	StatusOpen OrderStatus = "OPEN"
	// StatusTriggerPending: stop order waiting for its trigger price.
	StatusTriggerPending OrderStatus = "TRIGGER PENDING"
	// StatusModifyPending: a modification is being applied.
	StatusModifyPending OrderStatus = "MODIFY PENDING"
	// StatusCancelPending: a cancel is being applied.
	StatusCancelPending OrderStatus = "CANCEL PENDING"
	// StatusComplete: fully filled.
	StatusComplete OrderStatus = "COMPLETE"
	// StatusCancelled: cancelled before a full fill.
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusRejected: refused by risk checks or the exchange.
	StatusRejected OrderStatus = "REJECTED"
)

// statusTransition is one legal move through the order lifecycle. The table
// is used to spot out-of-order poll results: an order that reports COMPLETE
// and later OPEN means the history endpoint returned entries unsorted.
type statusTransition struct {
	From OrderStatus
	To   OrderStatus
}

var validTransitions = []statusTransition{
	{StatusReceived, StatusValidationPending},
	{StatusReceived, StatusRejected},
	{StatusValidationPending, StatusOpenPending},
	{StatusValidationPending, StatusRejected},
	{StatusOpenPending, StatusOpen},
	{StatusOpenPending, StatusTriggerPending},
	{StatusOpenPending, StatusComplete},
	{StatusOpenPending, StatusRejected},
	{StatusOpen, StatusComplete},
	{StatusOpen, StatusModifyPending},
	{StatusOpen, StatusCancelPending},
	{StatusOpen, StatusCancelled},
	{StatusOpen, StatusRejected},
	{StatusTriggerPending, StatusOpen},
	{StatusTriggerPending, StatusModifyPending},
	{StatusTriggerPending, StatusCancelPending},
	{StatusTriggerPending, StatusCancelled},
	{StatusModifyPending, StatusOpen},
	{StatusModifyPending, StatusTriggerPending},
	{StatusModifyPending, StatusRejected},
	{StatusCancelPending, StatusCancelled},
	{StatusCancelPending, StatusComplete},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle step. Identical statuses are always legal (repeat polls).
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether an order in this status can still change.
func IsTerminal(status OrderStatus) bool {
	switch status {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsWorking reports whether the order is live at the exchange.
func IsWorking(status OrderStatus) bool {
	return status == StatusOpen || status == StatusTriggerPending
}
