package twap

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"spartan/internal/domain"
	"spartan/internal/scheduler"
	"spartan/internal/settlement"
	"spartan/internal/store"
)

// TaskName is the worker family for TWAP order tasks; one task record exists
// per live order.
const TaskName = "twap-order"

// OrderTags mark every TWAP task for listing and cleanup queries.
var OrderTags = []string{"queue", "repeat", "twap"}

// Controller owns the TwapOrder payload of its tasks: it creates orders,
// executes their ticks, and projects them for the listing surface. The task
// envelope (interval bookkeeping, deletion at boot) belongs to the scheduler.
type Controller struct {
	sched  *scheduler.Service
	store  store.Store
	settle settlement.Layer
	oracle settlement.PriceOracle
	clock  clockwork.Clock
	owner  string
}

func NewController(sched *scheduler.Service, st store.Store, settle settlement.Layer, oracle settlement.PriceOracle, clock clockwork.Clock, ownerScope string) *Controller {
	return &Controller{sched: sched, store: st, settle: settle, oracle: oracle, clock: clock, owner: ownerScope}
}

// Register installs the TWAP worker. Must run before any order is created and
// at every boot so persisted orders resume ticking.
func (c *Controller) Register(reg *scheduler.Registry) {
	reg.Register(TaskName, scheduler.Worker{
		Validate: c.validate,
		Execute:  c.execute,
	})
}

// OrderParams is everything a caller supplies to start a TWAP schedule.
type OrderParams struct {
	SourceAddress   string    `json:"source_address"`
	AssetSymbol     string    `json:"asset_symbol"`
	AssetReference  string    `json:"asset_reference"`
	TotalAmount     float64   `json:"total_amount"`
	EndTime         time.Time `json:"end_time"`
	IntervalMinutes float64   `json:"interval_minutes"`
	StopLossPrice   *float64  `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64  `json:"take_profit_price,omitempty"`
	PositionID      string    `json:"position_id,omitempty"`
}

// CreateOrder validates params, builds the order payload and registers its
// recurring task. The first slice executes one interval after creation.
func (c *Controller) CreateOrder(ctx context.Context, p OrderParams) (domain.TwapOrder, domain.TaskRecord, error) {
	now := c.clock.Now().UTC()
	if p.TotalAmount <= 0 {
		return domain.TwapOrder{}, domain.TaskRecord{}, &domain.ValidationError{Field: "total_amount", Reason: "must be positive"}
	}
	if !p.EndTime.After(now) {
		return domain.TwapOrder{}, domain.TaskRecord{}, &domain.ValidationError{Field: "end_time", Reason: "must be in the future"}
	}
	if p.IntervalMinutes <= 0 {
		return domain.TwapOrder{}, domain.TaskRecord{}, &domain.ValidationError{Field: "interval_minutes", Reason: "must be positive"}
	}
	if p.SourceAddress == "" {
		return domain.TwapOrder{}, domain.TaskRecord{}, &domain.ValidationError{Field: "source_address", Reason: "required"}
	}
	if p.AssetSymbol == "" {
		return domain.TwapOrder{}, domain.TaskRecord{}, &domain.ValidationError{Field: "asset_symbol", Reason: "required"}
	}

	order := domain.TwapOrder{
		OrderID:         "ord_" + uuid.NewString(),
		PositionID:      p.PositionID,
		SourceAddress:   p.SourceAddress,
		AssetSymbol:     p.AssetSymbol,
		AssetReference:  p.AssetReference,
		TotalAmount:     p.TotalAmount,
		RemainingAmount: p.TotalAmount,
		EndTime:         p.EndTime.UTC(),
		IntervalMinutes: p.IntervalMinutes,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		CreatedAt:       now,
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return domain.TwapOrder{}, domain.TaskRecord{}, err
	}

	rec, err := c.sched.CreateTask(ctx, domain.TaskRecord{
		Name:        TaskName,
		Description: fmt.Sprintf("TWAP %s %.6f over %s", order.AssetSymbol, order.TotalAmount, order.EndTime.Format(time.RFC3339)),
		OwnerScope:  c.owner,
		Tags:        OrderTags,
		Metadata: domain.TaskMetadata{
			SchemaVersion:   domain.MetadataSchemaVersion,
			IntervalMinutes: p.IntervalMinutes,
			Payload:         payload,
		},
		CreatedAt: now,
	})
	if err != nil {
		return domain.TwapOrder{}, domain.TaskRecord{}, err
	}
	log.Info().Str("order_id", order.OrderID).Str("task_id", rec.ID).
		Str("asset", order.AssetSymbol).Float64("total", order.TotalAmount).
		Msg("twap order created")
	return order, rec, nil
}

func (c *Controller) validate(rec domain.TaskRecord) bool {
	_, err := decodeOrder(rec)
	return err == nil
}

// execute runs one slice attempt. The scheduler guarantees at most one
// concurrent invocation per task id, so the order payload has a single
// writer and the ledger needs no locking.
func (c *Controller) execute(ctx context.Context, rec domain.TaskRecord) error {
	order, err := decodeOrder(rec)
	if err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	now := c.clock.Now().UTC()

	// Risk gate runs before anything is submitted. The price is fetched here
	// because the gate itself does no I/O.
	if order.StopLossPrice != nil || order.TakeProfitPrice != nil {
		price, err := c.oracle.CurrentPrice(ctx, order.AssetSymbol)
		if err != nil {
			// No slice was attempted, so nothing goes in the ledger; the next
			// natural tick retries.
			return fmt.Errorf("risk gate price fetch: %w", err)
		}
		if d := EvaluateRisk(order, price); d.Action == ActionTerminate {
			order.Executions = append(order.Executions, domain.ExecutionRecord{
				Timestamp: now,
				Success:   false,
				Reason:    d.Reason,
			})
			log.Warn().Str("order_id", order.OrderID).Str("reason", d.Reason).Msg("twap order terminated by risk gate")
			return c.finishOrder(ctx, rec.ID, order, domain.OrderTerminated, now)
		}
	}

	slice := sliceAmount(order, now)
	final := !now.Before(order.EndTime)
	if slice <= domain.AmountEpsilon && !final {
		return nil // no-op tick, no ledger entry
	}

	ref, submitErr := c.settle.SubmitSlice(ctx, order.SourceAddress, c.assetRef(order), slice)
	entry := domain.ExecutionRecord{Timestamp: now, Amount: slice}
	if submitErr != nil {
		// Failed slices never reduce the remaining amount; the dynamic slice
		// formula redistributes the shortfall across future ticks.
		entry.Reason = submitErr.Error()
		log.Warn().Err(submitErr).Str("order_id", order.OrderID).Float64("amount", slice).Msg("slice submission failed")
	} else {
		entry.Success = true
		entry.SettlementRef = ref
		order.RemainingAmount -= slice
		if order.RemainingAmount < 0 {
			order.RemainingAmount = 0
		}
		log.Info().Str("order_id", order.OrderID).Float64("amount", slice).
			Float64("remaining", order.RemainingAmount).Str("settlement_ref", ref).
			Msg("slice executed")
	}
	order.Executions = append(order.Executions, entry)
	order.LastExecution = &now

	switch {
	case order.RemainingAmount <= domain.AmountEpsilon:
		return c.finishOrder(ctx, rec.ID, order, domain.OrderCompleted, now)
	case final:
		// End time reached with the forced liquidation attempted, success or
		// failure: the schedule is over either way.
		return c.finishOrder(ctx, rec.ID, order, domain.OrderExpired, now)
	default:
		return c.saveOrder(ctx, rec, order, now)
	}
}

// sliceAmount sizes the next slice dynamically so skipped or failed slices
// are absorbed evenly by the ticks still to come: the current tick plus one
// per full interval left before the end time, which itself takes whatever
// remains.
func sliceAmount(o domain.TwapOrder, now time.Time) float64 {
	if !now.Before(o.EndTime) {
		return o.RemainingAmount
	}
	interval := time.Duration(o.IntervalMinutes * float64(time.Minute))
	if interval <= 0 {
		return o.RemainingAmount
	}
	ticks := 1 + int(math.Floor(float64(o.EndTime.Sub(now))/float64(interval)))
	if ticks < 1 {
		ticks = 1
	}
	return o.RemainingAmount / float64(ticks)
}

func (c *Controller) assetRef(o domain.TwapOrder) string {
	if o.AssetReference != "" {
		return o.AssetReference
	}
	return o.AssetSymbol
}

// saveOrder persists the mutated payload back into the task metadata.
func (c *Controller) saveOrder(ctx context.Context, rec domain.TaskRecord, order domain.TwapOrder, now time.Time) error {
	payload, err := json.Marshal(order)
	if err != nil {
		return err
	}
	rec.Metadata.Payload = payload
	rec.UpdatedAt = now
	return c.store.UpdateTask(ctx, rec)
}

// finishOrder archives the final ledger and deletes the task. Deletion is
// the only cancellation primitive, so every terminal state ends here.
func (c *Controller) finishOrder(ctx context.Context, taskID string, order domain.TwapOrder, status string, now time.Time) error {
	if err := c.store.ArchiveOrder(ctx, c.owner, status, now, order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("archive order failed")
	}
	if err := c.store.DeleteTask(ctx, taskID); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	log.Info().Str("order_id", order.OrderID).Str("status", status).
		Float64("remaining", order.RemainingAmount).Msg("twap order finished")
	return nil
}

// ListOrders projects every live order owned by ownerScope. Read-only and
// safe to call concurrently with ticking.
func (c *Controller) ListOrders(ctx context.Context, ownerScope string) ([]domain.OrderSummary, error) {
	recs, err := c.store.GetTasks(ctx, store.Filter{Tags: OrderTags, Name: TaskName, OwnerScope: ownerScope})
	if err != nil {
		return nil, err
	}
	var out []domain.OrderSummary
	for _, rec := range recs {
		order, err := decodeOrder(rec)
		if err != nil {
			log.Warn().Err(err).Str("task_id", rec.ID).Msg("skipping undecodable order")
			continue
		}
		out = append(out, order.Summarize(rec.ID, liveStatus(order)))
	}
	return out, nil
}

// GetOrder resolves an order by order id or by its task id.
func (c *Controller) GetOrder(ctx context.Context, id string) (domain.OrderSummary, error) {
	rec, order, err := c.findOrder(ctx, id)
	if err != nil {
		return domain.OrderSummary{}, err
	}
	return order.Summarize(rec.ID, liveStatus(order)), nil
}

// CancelOrder maps directly to task deletion; the ledger so far is archived
// for the history surface.
func (c *Controller) CancelOrder(ctx context.Context, id string) error {
	rec, order, err := c.findOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.ArchiveOrder(ctx, c.owner, "canceled", c.clock.Now().UTC(), order); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("archive canceled order failed")
	}
	return c.store.DeleteTask(ctx, rec.ID)
}

// History lists terminal orders, newest first.
func (c *Controller) History(ctx context.Context, ownerScope string, limit int) ([]domain.OrderSummary, error) {
	return c.store.ListOrderHistory(ctx, ownerScope, limit)
}

func (c *Controller) findOrder(ctx context.Context, id string) (domain.TaskRecord, domain.TwapOrder, error) {
	recs, err := c.store.GetTasksByName(ctx, TaskName)
	if err != nil {
		return domain.TaskRecord{}, domain.TwapOrder{}, err
	}
	for _, rec := range recs {
		order, err := decodeOrder(rec)
		if err != nil {
			continue
		}
		if rec.ID == id || order.OrderID == id {
			return rec, order, nil
		}
	}
	return domain.TaskRecord{}, domain.TwapOrder{}, store.ErrNotFound
}

func liveStatus(o domain.TwapOrder) string {
	if len(o.Executions) == 0 {
		return domain.OrderPending
	}
	return domain.OrderActive
}

func decodeOrder(rec domain.TaskRecord) (domain.TwapOrder, error) {
	var o domain.TwapOrder
	if len(rec.Metadata.Payload) == 0 {
		return o, fmt.Errorf("empty order payload")
	}
	if err := json.Unmarshal(rec.Metadata.Payload, &o); err != nil {
		return o, err
	}
	return o, nil
}
