package domain

import (
	"encoding/json"
	"time"
)

// MetadataSchemaVersion is the current shape of TaskMetadata. Records carrying
// a different version are skipped by the scheduler instead of being decoded
// into a stale struct layout.
const MetadataSchemaVersion = 1

// TaskRecord is a durable registration of a named background job. The Name
// selects the registered worker; many records may share one name (e.g. one
// per TWAP order). Tags drive dedup/cleanup queries at boot.
type TaskRecord struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	OwnerScope  string       `json:"owner_scope"`
	Tags        []string     `json:"tags"`
	Metadata    TaskMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TaskMetadata is the envelope around a worker's resumable state. It is the
// single source of truth for the task's cadence and is mutated in place on
// every tick.
type TaskMetadata struct {
	SchemaVersion   int             `json:"schema_version"`
	IntervalMinutes float64         `json:"interval_minutes,omitempty"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	NextRun         time.Time       `json:"next_run,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Interval returns the task cadence as a duration. Zero means "every tick".
func (m TaskMetadata) Interval() time.Duration {
	return time.Duration(m.IntervalMinutes * float64(time.Minute))
}

// HasTags reports whether the record's tag set is a superset of want.
func (t TaskRecord) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, tag := range t.Tags {
			if tag == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Order lifecycle states, derived from the TwapOrder payload. Terminal states
// always coincide with task deletion.
const (
	OrderPending    = "pending"
	OrderActive     = "active"
	OrderCompleted  = "completed"
	OrderTerminated = "terminated"
	OrderExpired    = "expired"
)

// AmountEpsilon is the threshold below which a remaining amount counts as
// fully executed.
const AmountEpsilon = 1e-9

// TwapOrder is the metadata payload of a TWAP task: a large order decomposed
// into time slices, with its append-only execution ledger.
type TwapOrder struct {
	OrderID         string            `json:"order_id"`
	PositionID      string            `json:"position_id,omitempty"`
	SourceAddress   string            `json:"source_address"`
	AssetSymbol     string            `json:"asset_symbol"`
	AssetReference  string            `json:"asset_reference"`
	TotalAmount     float64           `json:"total_amount"`
	RemainingAmount float64           `json:"remaining_amount"`
	EndTime         time.Time         `json:"end_time"`
	IntervalMinutes float64           `json:"interval_minutes"`
	StopLossPrice   *float64          `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64          `json:"take_profit_price,omitempty"`
	Executions      []ExecutionRecord `json:"executions"`
	CreatedAt       time.Time         `json:"created_at"`
	LastExecution   *time.Time        `json:"last_execution,omitempty"`
}

// ExecutionRecord is one slice attempt. Immutable once appended; failed
// attempts never reduce the remaining amount.
type ExecutionRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	Amount        float64   `json:"amount"`
	SettlementRef string    `json:"settlement_ref,omitempty"`
	Success       bool      `json:"success"`
	Reason        string    `json:"reason,omitempty"`
}

// ExecutedAmount sums the successfully settled slices.
func (o TwapOrder) ExecutedAmount() float64 {
	var sum float64
	for _, e := range o.Executions {
		if e.Success {
			sum += e.Amount
		}
	}
	return sum
}

// Counts returns the number of successful and failed slice attempts.
func (o TwapOrder) Counts() (success, fail int) {
	for _, e := range o.Executions {
		if e.Success {
			success++
		} else {
			fail++
		}
	}
	return
}

// OrderSummary is the read-side projection served by the listing surface.
type OrderSummary struct {
	OrderID         string     `json:"order_id"`
	TaskID          string     `json:"task_id,omitempty"`
	AssetSymbol     string     `json:"asset_symbol"`
	Status          string     `json:"status"`
	TotalAmount     float64    `json:"total_amount"`
	RemainingAmount float64    `json:"remaining_amount"`
	ProgressPercent float64    `json:"progress_percent"`
	IntervalMinutes float64    `json:"interval_minutes"`
	EndTime         time.Time  `json:"end_time"`
	SuccessCount    int        `json:"success_count"`
	FailCount       int        `json:"fail_count"`
	LastExecution   *time.Time `json:"last_execution,omitempty"`
	StopLossPrice   *float64   `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64   `json:"take_profit_price,omitempty"`
}

// Summarize projects an order into its listing row. Pure; safe to call
// concurrently with ticking because it copies, never mutates.
func (o TwapOrder) Summarize(taskID, status string) OrderSummary {
	progress := 0.0
	if o.TotalAmount > 0 {
		progress = (o.TotalAmount - o.RemainingAmount) / o.TotalAmount * 100
	}
	success, fail := o.Counts()
	return OrderSummary{
		OrderID:         o.OrderID,
		TaskID:          taskID,
		AssetSymbol:     o.AssetSymbol,
		Status:          status,
		TotalAmount:     o.TotalAmount,
		RemainingAmount: o.RemainingAmount,
		ProgressPercent: progress,
		IntervalMinutes: o.IntervalMinutes,
		EndTime:         o.EndTime,
		SuccessCount:    success,
		FailCount:       fail,
		LastExecution:   o.LastExecution,
		StopLossPrice:   o.StopLossPrice,
		TakeProfitPrice: o.TakeProfitPrice,
	}
}
