// Package lifecycle holds the experiment publish state machine: the legal
// status moves and the publish_status walk Idle → Review → Approved →
// Waiting → Idle that carries a status change out to the remote store.
//
// Every function here either mutates the experiment and returns the
// Transition it made, or returns an error and leaves the experiment alone.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"gorollout/models"
)

// ErrInvalidTransition marks an illegal lifecycle move. It is always a
// caller bug and is never retried.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError describes the rejected move.
type TransitionError struct {
	Slug string
	From models.State
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %s", e.Slug, e.From, e.To, ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Kind classifies a publish by what it does to the remote record.
type Kind string

const (
	KindLaunch Kind = "launch"
	KindUpdate Kind = "update"
	KindEnd    Kind = "end"
	KindNone   Kind = ""
)

// Transition is the before/after pair of one successful move.
type Transition struct {
	Slug string
	Kind Kind
	Old  models.State
	New  models.State
}

var statusTable = map[models.Status][]models.Status{
	models.StatusDraft:    {models.StatusPreview, models.StatusLive},
	models.StatusPreview:  {models.StatusDraft, models.StatusLive},
	models.StatusLive:     {models.StatusLive, models.StatusComplete},
	models.StatusComplete: nil,
}

// CanTransition reports whether an experiment in current may move to target.
// Live → Live is an update of a running experiment.
func CanTransition(current, target models.Status) bool {
	for _, s := range statusTable[current] {
		if s == target {
			return true
		}
	}
	return false
}

// KindOf classifies the move from current to target.
func KindOf(current, target models.Status) Kind {
	switch {
	case target == models.StatusLive && current != models.StatusLive:
		return KindLaunch
	case target == models.StatusLive:
		return KindUpdate
	case target == models.StatusComplete:
		return KindEnd
	}
	return KindNone
}

// requiresPublish reports whether reaching target needs the reviewed store.
// Preview moves go to the unreviewed preview collection instead.
func requiresPublish(target models.Status) bool {
	return target == models.StatusLive || target == models.StatusComplete
}

func invalid(exp *models.Experiment, to string) error {
	return errors.WithStack(&TransitionError{Slug: exp.Slug, From: exp.State(), To: to})
}

func record(exp *models.Experiment, old models.State, now time.Time) Transition {
	exp.UpdatedAt = now
	kind := KindNone
	if old.StatusNext != nil {
		kind = KindOf(old.Status, *old.StatusNext)
	} else if exp.StatusNext != nil {
		kind = KindOf(exp.Status, *exp.StatusNext)
	}
	return Transition{Slug: exp.Slug, Kind: kind, Old: old, New: exp.State()}
}

// SetStatus moves an idle experiment between Draft and Preview. These moves
// never touch the reviewed store.
func SetStatus(exp *models.Experiment, target models.Status, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishIdle || requiresPublish(target) || !CanTransition(exp.Status, target) {
		return Transition{}, invalid(exp, string(target))
	}
	old := exp.State()
	exp.Status = target
	return record(exp, old, now), nil
}

// BeginPublish requests review of a move to target.
func BeginPublish(exp *models.Experiment, target models.Status, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishIdle || !requiresPublish(target) || !CanTransition(exp.Status, target) {
		return Transition{}, invalid(exp, string(models.PublishReview)+"("+string(target)+")")
	}
	old := exp.State()
	exp.PublishStatus = models.PublishReview
	exp.StatusNext = models.StatusPtr(target)
	return record(exp, old, now), nil
}

// Approve records reviewer sign-off, queueing the experiment for push.
func Approve(exp *models.Experiment, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishReview || exp.StatusNext == nil {
		return Transition{}, invalid(exp, string(models.PublishApproved))
	}
	old := exp.State()
	exp.PublishStatus = models.PublishApproved
	return record(exp, old, now), nil
}

// Wait marks the experiment as pushed and awaiting remote confirmation.
func Wait(exp *models.Experiment, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishApproved || exp.StatusNext == nil {
		return Transition{}, invalid(exp, string(models.PublishWaiting))
	}
	old := exp.State()
	exp.PublishStatus = models.PublishWaiting
	exp.WaitingSince = &now
	return record(exp, old, now), nil
}

// TimeOut sends a waiting experiment whose review went stale back to Review.
func TimeOut(exp *models.Experiment, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishWaiting {
		return Transition{}, invalid(exp, string(models.PublishReview))
	}
	old := exp.State()
	exp.PublishStatus = models.PublishReview
	exp.WaitingSince = nil
	return record(exp, old, now), nil
}

// ShouldTimeOut reports whether a waiting experiment has waited longer than
// timeout.
func ShouldTimeOut(exp *models.Experiment, timeout time.Duration, now time.Time) bool {
	if exp.PublishStatus != models.PublishWaiting || exp.WaitingSince == nil {
		return false
	}
	return now.Sub(*exp.WaitingSince) > timeout
}

// Reject abandons the in-flight publish. A Draft loses its scheduled publish
// timestamp. A live rollout rejected mid-update stays paused-as-requested and
// is marked dirty so the change is offered again; everything else has its
// pause request withdrawn.
func Reject(exp *models.Experiment, now time.Time) (Transition, error) {
	if !exp.PublishStatus.InFlight() {
		return Transition{}, invalid(exp, "rejected")
	}
	old := exp.State()
	rolloutUpdate := exp.IsRollout && exp.Status == models.StatusLive && exp.NextIs(models.StatusLive)

	exp.PublishStatus = models.PublishIdle
	exp.StatusNext = nil
	exp.WaitingSince = nil
	if rolloutUpdate {
		exp.IsRolloutDirty = true
	} else {
		exp.IsPaused = false
	}
	if exp.Status == models.StatusDraft {
		exp.PublishedAt = nil
	}
	return record(exp, old, now), nil
}

// Complete commits status_next once the remote store confirms the push.
func Complete(exp *models.Experiment, now time.Time) (Transition, error) {
	if exp.PublishStatus != models.PublishWaiting || exp.StatusNext == nil {
		return Transition{}, invalid(exp, "complete")
	}
	next := *exp.StatusNext
	if !CanTransition(exp.Status, next) {
		return Transition{}, invalid(exp, string(next))
	}
	old := exp.State()

	switch KindOf(exp.Status, next) {
	case KindLaunch:
		exp.PublishedAt = &now
		exp.IsPausedPublished = exp.IsPaused
		exp.IsRolloutDirty = false
	case KindUpdate:
		exp.IsPausedPublished = exp.IsPaused
		exp.IsRolloutDirty = false
	case KindEnd:
		exp.EndedAt = &now
		exp.IsRolloutDirty = false
	}
	exp.Status = next
	exp.StatusNext = nil
	exp.PublishStatus = models.PublishIdle
	exp.WaitingSince = nil
	return record(exp, old, now), nil
}

// EndExternally completes an idle Live experiment whose remote record
// disappeared without a publish.
func EndExternally(exp *models.Experiment, now time.Time) (Transition, error) {
	if exp.Status != models.StatusLive || exp.PublishStatus != models.PublishIdle {
		return Transition{}, invalid(exp, string(models.StatusComplete))
	}
	old := exp.State()
	exp.Status = models.StatusComplete
	exp.EndedAt = &now
	exp.IsRolloutDirty = false
	t := record(exp, old, now)
	t.Kind = KindEnd
	return t, nil
}

// CanArchive reports whether exp may be archived.
func CanArchive(exp *models.Experiment) bool {
	return exp.PublishStatus == models.PublishIdle && exp.Status != models.StatusLive
}
