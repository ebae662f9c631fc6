package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"spartan/internal/domain"
	"spartan/internal/scheduler"
	"spartan/internal/settlement"
	"spartan/internal/store"
)

const ReconTaskName = "market-recon"

// ReconTags mark the recon schedule for boot dedup.
var ReconTags = []string{"queue", "repeat", "recon"}

// maxSnapshots bounds the observation ring kept in task metadata.
const maxSnapshots = 48

// Snapshot is one round of price observations.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Prices    map[string]float64 `json:"prices"`
}

// ReconState is the resumable payload of the recon task.
type ReconState struct {
	Watchlist []string   `json:"watchlist"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
}

// ReconConfig is the boot-time schedule configuration.
type ReconConfig struct {
	Watchlist       []string
	IntervalMinutes float64
	CronExpr        string
}

// ReconJob periodically samples prices for a watchlist through the oracle
// and keeps a bounded ring of recent observations in its own metadata.
type ReconJob struct {
	sched  *scheduler.Service
	store  store.Store
	oracle settlement.PriceOracle
	clock  clockwork.Clock
	owner  string
}

func NewReconJob(sched *scheduler.Service, st store.Store, oracle settlement.PriceOracle, clock clockwork.Clock, ownerScope string) *ReconJob {
	return &ReconJob{sched: sched, store: st, oracle: oracle, clock: clock, owner: ownerScope}
}

func (j *ReconJob) Register(reg *scheduler.Registry) {
	reg.Register(ReconTaskName, scheduler.Worker{Validate: j.validate, Execute: j.execute})
}

// EnsureScheduled replaces any stale recon schedules with a single fresh one.
func (j *ReconJob) EnsureScheduled(ctx context.Context, cfg ReconConfig) (domain.TaskRecord, error) {
	if _, err := j.sched.ResetTagged(ctx, ReconTags); err != nil {
		return domain.TaskRecord{}, fmt.Errorf("reset recon schedules: %w", err)
	}
	var nextRun time.Time
	if cfg.CronExpr != "" {
		var err error
		if nextRun, err = scheduler.NextRunTime(cfg.CronExpr, j.clock.Now()); err != nil {
			return domain.TaskRecord{}, &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
	}
	payload, err := json.Marshal(ReconState{Watchlist: cfg.Watchlist})
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return j.sched.CreateTask(ctx, domain.TaskRecord{
		Name:        ReconTaskName,
		Description: "periodic market reconnaissance",
		OwnerScope:  j.owner,
		Tags:        ReconTags,
		Metadata: domain.TaskMetadata{
			SchemaVersion:   domain.MetadataSchemaVersion,
			IntervalMinutes: cfg.IntervalMinutes,
			CronExpr:        cfg.CronExpr,
			NextRun:         nextRun,
			Payload:         payload,
		},
		CreatedAt: j.clock.Now().UTC(),
	})
}

func (j *ReconJob) validate(rec domain.TaskRecord) bool {
	var st ReconState
	return json.Unmarshal(rec.Metadata.Payload, &st) == nil && len(st.Watchlist) > 0
}

func (j *ReconJob) execute(ctx context.Context, rec domain.TaskRecord) error {
	var st ReconState
	if err := json.Unmarshal(rec.Metadata.Payload, &st); err != nil {
		return fmt.Errorf("decode recon state: %w", err)
	}

	now := j.clock.Now().UTC()
	snap := Snapshot{Timestamp: now, Prices: make(map[string]float64, len(st.Watchlist))}
	for _, asset := range st.Watchlist {
		price, err := j.oracle.CurrentPrice(ctx, asset)
		if err != nil {
			log.Warn().Err(err).Str("asset", asset).Msg("recon price fetch failed")
			continue
		}
		snap.Prices[asset] = price
	}
	if len(snap.Prices) == 0 {
		return fmt.Errorf("recon: no prices fetched for %d assets", len(st.Watchlist))
	}

	st.Snapshots = append(st.Snapshots, snap)
	if len(st.Snapshots) > maxSnapshots {
		st.Snapshots = st.Snapshots[len(st.Snapshots)-maxSnapshots:]
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	rec.Metadata.Payload = payload
	rec.UpdatedAt = now
	if err := j.store.UpdateTask(ctx, rec); err != nil {
		return err
	}
	log.Debug().Str("task_id", rec.ID).Int("assets", len(snap.Prices)).Msg("recon snapshot recorded")
	return nil
}
