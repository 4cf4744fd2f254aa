package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the user-visible lifecycle stage of an experiment.
type Status string

const (
	StatusDraft    Status = "Draft"
	StatusPreview  Status = "Preview"
	StatusLive     Status = "Live"
	StatusComplete Status = "Complete"
)

// PublishStatus tracks an in-flight attempt to change what is live in the
// remote store.
type PublishStatus string

const (
	PublishIdle     PublishStatus = "Idle"
	PublishReview   PublishStatus = "Review"
	PublishApproved PublishStatus = "Approved"
	PublishWaiting  PublishStatus = "Waiting"
)

// InFlight reports whether a publish is under way.
func (p PublishStatus) InFlight() bool {
	return p == PublishReview || p == PublishApproved || p == PublishWaiting
}

// StatusPtr returns a pointer to s, for populating Experiment.StatusNext.
func StatusPtr(s Status) *Status {
	return &s
}

// State is the (status, publish_status, status_next) triple recorded in the
// changelog on every transition.
type State struct {
	Status        Status        `json:"status"`
	PublishStatus PublishStatus `json:"publish_status"`
	StatusNext    *Status       `json:"status_next,omitempty"`
}

func (s State) String() string {
	next := "-"
	if s.StatusNext != nil {
		next = string(*s.StatusNext)
	}
	return fmt.Sprintf("%s/%s/%s", s.Status, s.PublishStatus, next)
}

// Branch is one arm of an experiment. Value is the opaque feature payload
// delivered to clients enrolled in the branch.
type Branch struct {
	Slug  string          `json:"slug"`
	Ratio int             `json:"ratio"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Experiment is the unit of reconciliation.
type Experiment struct {
	ID          int64       `json:"id"`
	Slug        string      `json:"slug"`
	Name        string      `json:"name"`
	Application Application `json:"application"`
	Channel     string      `json:"channel"`

	Status        Status        `json:"status"`
	PublishStatus PublishStatus `json:"publish_status"`
	StatusNext    *Status       `json:"status_next,omitempty"`

	IsPaused          bool `json:"is_paused"`
	IsPausedPublished bool `json:"is_paused_published"`
	IsRollout         bool `json:"is_rollout"`
	IsRolloutDirty    bool `json:"is_rollout_dirty"`

	PopulationPercent float64  `json:"population_percent"`
	FeatureIDs        []string `json:"feature_ids"`
	// Targeting is a JEXL expression consumed as an opaque string.
	Targeting string   `json:"targeting"`
	Branches  []Branch `json:"branches"`

	// Bucket is the experiment's current allocation, nil until first launch.
	Bucket *BucketRange `json:"bucket,omitempty"`

	// PublishedDTO is the canonical document last confirmed present in the
	// remote store.
	PublishedDTO []byte `json:"published_dto,omitempty"`

	PublishedAt  *time.Time `json:"published_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	WaitingSince *time.Time `json:"waiting_since,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewExperiment returns a Draft/Idle experiment.
func NewExperiment(slug string, app Application) *Experiment {
	now := time.Now().UTC()
	return &Experiment{
		Slug:          slug,
		Name:          slug,
		Application:   app,
		Status:        StatusDraft,
		PublishStatus: PublishIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// State returns the lifecycle triple of e.
func (e *Experiment) State() State {
	st := State{Status: e.Status, PublishStatus: e.PublishStatus}
	if e.StatusNext != nil {
		st.StatusNext = StatusPtr(*e.StatusNext)
	}
	return st
}

// NextIs reports whether status_next is set to s.
func (e *Experiment) NextIs(s Status) bool {
	return e.StatusNext != nil && *e.StatusNext == s
}

// BucketNamespace is the isolation group name the experiment allocates under.
// Rollouts of the same features share a namespace so they never overlap.
func (e *Experiment) BucketNamespace() string {
	if !e.IsRollout {
		return e.Slug
	}
	parts := append([]string{string(e.Application)}, e.FeatureIDs...)
	parts = append(parts, "rollout")
	return strings.Join(parts, "-")
}

// BucketCount is the number of buckets the population percentage maps to.
func (e *Experiment) BucketCount(total int) int {
	return int(e.PopulationPercent / 100.0 * float64(total))
}

// Clone returns a deep copy of e.
func (e *Experiment) Clone() *Experiment {
	c := *e
	if e.StatusNext != nil {
		c.StatusNext = StatusPtr(*e.StatusNext)
	}
	c.FeatureIDs = append([]string(nil), e.FeatureIDs...)
	if e.Branches != nil {
		c.Branches = make([]Branch, len(e.Branches))
		for i, b := range e.Branches {
			c.Branches[i] = Branch{Slug: b.Slug, Ratio: b.Ratio, Value: append(json.RawMessage(nil), b.Value...)}
		}
	}
	if e.Bucket != nil {
		b := *e.Bucket
		c.Bucket = &b
	}
	c.PublishedDTO = append([]byte(nil), e.PublishedDTO...)
	c.PublishedAt = cloneTime(e.PublishedAt)
	c.EndedAt = cloneTime(e.EndedAt)
	c.WaitingSince = cloneTime(e.WaitingSince)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
