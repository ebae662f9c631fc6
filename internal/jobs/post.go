// Package jobs holds the periodic worker families that share the scheduler
// with the TWAP controller: social-post drafting and market recon.
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
	"spartan/internal/store"
)

const PostTaskName = "spartan-news"

// PostTags mark the post schedule for boot dedup.
var PostTags = []string{"queue", "repeat", "spartan-news"}

// ContentSource drafts post text; in production this is the LLM layer, which
// is out of scope here beyond this boundary.
type ContentSource interface {
	Draft(ctx context.Context, topic string) (string, error)
}

// Publisher delivers a drafted post to the messaging platform.
type Publisher interface {
	Publish(ctx context.Context, text string) (ref string, err error)
}

// PostState is the resumable payload of the post task.
type PostState struct {
	Topic        string     `json:"topic"`
	MaxPosts     int        `json:"max_posts"`
	Posted       int        `json:"posted"`
	LastRef      string     `json:"last_ref,omitempty"`
	LastPostedAt *time.Time `json:"last_posted_at,omitempty"`
}

// PostConfig is the boot-time schedule configuration.
type PostConfig struct {
	Topic           string
	MaxPosts        int
	IntervalMinutes float64
	CronExpr        string
}

type PostJob struct {
	sched  *scheduler.Service
	store  store.Store
	source ContentSource
	pub    Publisher
	clock  clockwork.Clock
	owner  string
}

func NewPostJob(sched *scheduler.Service, st store.Store, source ContentSource, pub Publisher, clock clockwork.Clock, ownerScope string) *PostJob {
	return &PostJob{sched: sched, store: st, source: source, pub: pub, clock: clock, owner: ownerScope}
}

func (j *PostJob) Register(reg *scheduler.Registry) {
	reg.Register(PostTaskName, scheduler.Worker{Validate: j.validate, Execute: j.execute})
}

// EnsureScheduled deletes any stale post schedules and creates exactly one.
// Safe to call repeatedly; each call leaves one live record for the family.
func (j *PostJob) EnsureScheduled(ctx context.Context, cfg PostConfig) (domain.TaskRecord, error) {
	removed, err := j.sched.ResetTagged(ctx, PostTags)
	if err != nil {
		return domain.TaskRecord{}, fmt.Errorf("reset post schedules: %w", err)
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("replaced stale post schedules")
	}
	var nextRun time.Time
	if cfg.CronExpr != "" {
		if nextRun, err = scheduler.NextRunTime(cfg.CronExpr, j.clock.Now()); err != nil {
			return domain.TaskRecord{}, &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
	}
	payload, err := json.Marshal(PostState{Topic: cfg.Topic, MaxPosts: cfg.MaxPosts})
	if err != nil {
		return domain.TaskRecord{}, err
	}
	return j.sched.CreateTask(ctx, domain.TaskRecord{
		Name:        PostTaskName,
		Description: "periodic market commentary post",
		OwnerScope:  j.owner,
		Tags:        PostTags,
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

func (j *PostJob) validate(rec domain.TaskRecord) bool {
	var st PostState
	return json.Unmarshal(rec.Metadata.Payload, &st) == nil
}

func (j *PostJob) execute(ctx context.Context, rec domain.TaskRecord) error {
	var st PostState
	if err := json.Unmarshal(rec.Metadata.Payload, &st); err != nil {
		return fmt.Errorf("decode post state: %w", err)
	}
	if st.MaxPosts > 0 && st.Posted >= st.MaxPosts {
		// Quota exhausted: deletion from within execute is how a task stops.
		log.Info().Str("task_id", rec.ID).Int("posted", st.Posted).Msg("post quota exhausted, removing schedule")
		return j.store.DeleteTask(ctx, rec.ID)
	}

	text, err := j.source.Draft(ctx, st.Topic)
	if err != nil {
		return fmt.Errorf("draft post: %w", err)
	}
	ref, err := j.pub.Publish(ctx, text)
	if err != nil {
		return fmt.Errorf("publish post: %w", err)
	}

	now := j.clock.Now().UTC()
	st.Posted++
	st.LastRef = ref
	st.LastPostedAt = &now
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	rec.Metadata.Payload = payload
	rec.UpdatedAt = now
	if err := j.store.UpdateTask(ctx, rec); err != nil {
		return err
	}
	log.Info().Str("task_id", rec.ID).Str("ref", ref).Int("posted", st.Posted).Msg("post published")
	return nil
}
