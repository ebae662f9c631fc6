package twap

import (
	"fmt"

	"spartan/internal/domain"
)

// Action is the outcome of a risk evaluation.
type Action string

const (
	ActionProceed   Action = "proceed"
	ActionTerminate Action = "terminate"
)

// Decision tells the controller whether to submit the next slice or shut the
// schedule down.
type Decision struct {
	Action Action
	Reason string
}

// EvaluateRisk is a pure function of the order's thresholds and an externally
// supplied current price; it performs no I/O. Orders without thresholds
// always proceed.
func EvaluateRisk(o domain.TwapOrder, currentPrice float64) Decision {
	if o.StopLossPrice != nil && currentPrice <= *o.StopLossPrice {
		return Decision{
			Action: ActionTerminate,
			Reason: fmt.Sprintf("stop-loss: price %.6f <= %.6f", currentPrice, *o.StopLossPrice),
		}
	}
	if o.TakeProfitPrice != nil && currentPrice >= *o.TakeProfitPrice {
		return Decision{
			Action: ActionTerminate,
			Reason: fmt.Sprintf("take-profit: price %.6f >= %.6f", currentPrice, *o.TakeProfitPrice),
		}
	}
	return Decision{Action: ActionProceed}
}
