// Package broker reconciles local experiments with the remote configuration
// store.
//
// A Broker owns one reviewed collection. Each pass resolves whatever blocks
// the collection (a pending review or a rejection), commits remote changes
// that reviewers have confirmed, and then pushes at most one experiment so
// that only one change set is ever under review. Passes for one collection
// must not run concurrently; the scheduler holds a lease around them.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"gorollout/kinto"
	"gorollout/lifecycle"
	"gorollout/metrics"
	"gorollout/models"
	"gorollout/serializer"
)

// ErrStalePublishedDto marks a live record that drifted from its last
// published document with no publish in flight. It is logged, not returned.
var ErrStalePublishedDto = errors.New("published document is stale")

// Changelog messages.
const (
	MessageTimedOut        = "Timed out waiting for review"
	MessageLaunched        = "Launched"
	MessageUpdated         = "Updated"
	MessageEnded           = "Ended"
	MessageEndedExternally = "Ended externally"
	MessageRefreshed       = "Published document refreshed"
	MessagePushed          = "Pushed to remote store"
	MessageAllocated       = "Allocated buckets"
	MessageRejected        = "Rejected"
)

// ExperimentStore is the persistence the broker needs.
type ExperimentStore interface {
	// ListByApplications returns the reconcilable experiments ordered by slug.
	ListByApplications(ctx context.Context, apps []models.Application) ([]*models.Experiment, error)
	Save(ctx context.Context, exp *models.Experiment) error
}

// Serializer renders the canonical client document.
type Serializer interface {
	Serialize(exp *models.Experiment) ([]byte, error)
}

// Allocator assigns bucket ranges on first launch.
type Allocator interface {
	NeedsAllocation(exp *models.Experiment) bool
	Allocate(ctx context.Context, exp *models.Experiment) (*models.BucketRange, error)
}

// Deps are the collaborators of a Broker.
type Deps struct {
	Client     kinto.Client
	Store      ExperimentStore
	Recorder   lifecycle.Recorder
	Serializer Serializer
	Allocator  Allocator
	Metrics    *metrics.Metrics
}

// Broker reconciles one remote collection.
type Broker struct {
	deps          Deps
	applications  []models.Application
	reviewTimeout time.Duration
	actor         string
	now           func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithReviewTimeout sets how long a pushed experiment may wait for review
// before it is sent back.
func WithReviewTimeout(d time.Duration) Option {
	return func(b *Broker) {
		b.reviewTimeout = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New returns a Broker for the collection behind deps.Client serving apps.
func New(apps []models.Application, deps Deps, opts ...Option) (*Broker, error) {
	if deps.Client == nil {
		return nil, errors.New("broker: requires a remote client")
	}
	if deps.Store == nil {
		return nil, errors.New("broker: requires an experiment store")
	}
	if deps.Allocator == nil {
		return nil, errors.New("broker: requires a bucket allocator")
	}
	if len(apps) == 0 {
		return nil, errors.Errorf("broker: collection %s serves no applications", deps.Client.Collection())
	}
	if deps.Serializer == nil {
		deps.Serializer = serializer.Serializer{}
	}
	b := &Broker{
		deps:          deps,
		applications:  append([]models.Application(nil), apps...),
		reviewTimeout: time.Hour,
		actor:         lifecycle.SystemActor,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Collection is the remote collection this broker owns.
func (b *Broker) Collection() string {
	return b.deps.Client.Collection()
}

// Name identifies the broker as a scheduled task.
func (b *Broker) Name() string {
	return "reconcile:" + b.Collection()
}

// Run performs one pass and summarizes it for the scheduler.
func (b *Broker) Run(ctx context.Context) (string, error) {
	out, err := b.Reconcile(ctx)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

func (b *Broker) logger() *log.Entry {
	return log.WithField("collection", b.Collection())
}

// Reconcile runs one pass. Errors from the remote store are returned for the
// scheduler to retry; lifecycle and allocation errors are invariant
// violations and are returned as well, never skipped.
func (b *Broker) Reconcile(ctx context.Context) (Outcome, error) {
	start := time.Now()
	out, err := b.reconcile(ctx)
	kind := string(out.Kind)
	if err != nil {
		kind = "error"
		b.logger().WithError(err).Error("reconciliation pass failed")
	} else {
		b.logger().WithField("outcome", out.String()).Info("reconciliation pass finished")
	}
	b.deps.Metrics.Pass(b.Collection(), kind, time.Since(start))
	return out, err
}

func (b *Broker) reconcile(ctx context.Context) (Outcome, error) {
	exps, err := b.deps.Store.ListByApplications(ctx, b.applications)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "listing experiments")
	}

	out, err := b.resolveBlocking(ctx, exps)
	if err != nil || out != nil {
		return deref(out, b.Collection()), err
	}

	records, err := b.deps.Client.GetMainRecords(ctx)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "fetching published records")
	}
	reconciled, err := b.reconcileConfirmed(ctx, exps, records)
	if err != nil {
		return Outcome{Kind: OutcomeNoOp, Collection: b.Collection(), Reconciled: reconciled}, err
	}

	out, err = b.advance(ctx, exps)
	result := deref(out, b.Collection())
	result.Reconciled = reconciled
	return result, err
}

func deref(out *Outcome, collection string) Outcome {
	if out == nil {
		return Outcome{Kind: OutcomeNoOp, Collection: collection}
	}
	return *out
}

// resolveBlocking handles a pending review or a rejection. A nil outcome
// means the collection is clear and the pass may continue.
func (b *Broker) resolveBlocking(ctx context.Context, exps []*models.Experiment) (*Outcome, error) {
	var rollback *Outcome

	pending, err := b.deps.Client.HasPendingReview(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "checking pending review")
	}
	if pending {
		out, err := b.handlePendingReview(ctx, exps)
		if err != nil {
			return nil, err
		}
		if out.Kind == OutcomeNoOp {
			return out, nil
		}
		rollback = out
	}

	rejected, err := b.deps.Client.HasRejection(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "checking rejection")
	}
	if rejected {
		out, err := b.handleRejection(ctx, exps)
		if err != nil {
			return nil, err
		}
		rollback = out
	}

	if rollback == nil {
		return nil, nil
	}
	if err := b.deps.Client.RollbackChanges(ctx); err != nil {
		return nil, errors.Wrap(err, "rolling back remote changes")
	}
	b.logger().WithField("reason", rollback.Reason).Info("rolled back remote changes")
	return rollback, nil
}

// handlePendingReview returns a rolled-back outcome when the waiting
// experiment timed out, and a no-op outcome when the review is simply still
// open.
func (b *Broker) handlePendingReview(ctx context.Context, exps []*models.Experiment) (*Outcome, error) {
	exp := waiting(exps)
	if exp == nil || !lifecycle.ShouldTimeOut(exp, b.reviewTimeout, b.now()) {
		return noop(b.Collection(), "review pending"), nil
	}

	t, err := lifecycle.TimeOut(exp, b.now())
	if err != nil {
		return nil, err
	}
	if err := b.commit(ctx, exp, t, MessageTimedOut); err != nil {
		return nil, err
	}
	b.deps.Metrics.Timeout(b.Collection())
	b.logger().WithField("slug", exp.Slug).Warn("review timed out")
	return rolledBack(b.Collection(), "review timed out", exp.Slug), nil
}

// handleRejection resets the waiting experiment. The collection is rolled
// back even if no local experiment is waiting, so a stray rejection cannot
// wedge it.
func (b *Broker) handleRejection(ctx context.Context, exps []*models.Experiment) (*Outcome, error) {
	rejection, err := b.deps.Client.GetRejection(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetching rejection")
	}
	reason := ""
	if rejection != nil {
		reason = rejection.Reason
	}

	exp := waiting(exps)
	if exp == nil {
		b.logger().WithField("reason", reason).Warn("rejection with no waiting experiment")
		return rolledBack(b.Collection(), "rejected", ""), nil
	}

	t, err := lifecycle.Reject(exp, b.now())
	if err != nil {
		return nil, err
	}
	message := reason
	if message == "" {
		message = MessageRejected
	}
	if err := b.commit(ctx, exp, t, message); err != nil {
		return nil, err
	}
	b.deps.Metrics.Rejection(b.Collection())
	b.logger().WithFields(log.Fields{"slug": exp.Slug, "reason": reason}).Info("publish rejected")
	return rolledBack(b.Collection(), "rejected", exp.Slug), nil
}

// reconcileConfirmed commits the local side of every change the remote
// store now reflects.
func (b *Broker) reconcileConfirmed(ctx context.Context, exps []*models.Experiment, records map[string]json.RawMessage) ([]string, error) {
	var reconciled []string
	for _, exp := range exps {
		raw, present := records[exp.Slug]
		var remote []byte
		if present {
			canon, err := serializer.Canonical(raw)
			if err != nil {
				b.logger().WithError(err).WithField("slug", exp.Slug).Error("unreadable remote record")
				continue
			}
			remote = canon
		}

		var (
			t       lifecycle.Transition
			message string
			err     error
		)
		switch {
		case isLaunch(exp, models.PublishWaiting) && present:
			exp.PublishedDTO = remote
			t, err = lifecycle.Complete(exp, b.now())
			message = MessageLaunched
		case isLaunch(exp, models.PublishApproved) && present:
			exp.PublishedDTO = remote
			t, err = b.confirmUncommitted(exp)
			message = MessageLaunched
		case isEnd(exp, models.PublishApproved) && !present:
			t, err = b.confirmUncommitted(exp)
			message = MessageEnded
		case isUpdate(exp, models.PublishWaiting) && present && !bytes.Equal(remote, exp.PublishedDTO):
			exp.PublishedDTO = remote
			t, err = lifecycle.Complete(exp, b.now())
			message = MessageUpdated
		case isEnd(exp, models.PublishWaiting) && !present:
			t, err = lifecycle.Complete(exp, b.now())
			message = MessageEnded
		case exp.Status == models.StatusLive && exp.PublishStatus == models.PublishIdle && !present:
			t, err = lifecycle.EndExternally(exp, b.now())
			message = MessageEndedExternally
		case exp.Status == models.StatusLive && exp.PublishStatus == models.PublishIdle && !bytes.Equal(remote, exp.PublishedDTO):
			if err := b.refresh(ctx, exp, remote); err != nil {
				return reconciled, err
			}
			continue
		default:
			continue
		}
		if err != nil {
			return reconciled, err
		}
		if err := b.commit(ctx, exp, t, message); err != nil {
			return reconciled, err
		}
		reconciled = append(reconciled, exp.Slug)
	}
	return reconciled, nil
}

// confirmUncommitted completes an approved experiment whose push was
// published although the pass that made it failed before saving.
func (b *Broker) confirmUncommitted(exp *models.Experiment) (lifecycle.Transition, error) {
	b.logger().WithField("slug", exp.Slug).Warn("push published before it was committed")
	w, err := lifecycle.Wait(exp, b.now())
	if err != nil {
		return w, err
	}
	t, err := lifecycle.Complete(exp, b.now())
	t.Old = w.Old
	return t, err
}

// refresh adopts the remote document of a drifted live record.
func (b *Broker) refresh(ctx context.Context, exp *models.Experiment, remote []byte) error {
	if exp.PublishedDTO != nil {
		b.logger().WithError(ErrStalePublishedDto).WithField("slug", exp.Slug).Warn("live record drifted")
		b.deps.Metrics.Stale(b.Collection())
	}
	exp.PublishedDTO = remote
	st := exp.State()
	return b.commit(ctx, exp, lifecycle.Transition{Slug: exp.Slug, Old: st, New: st}, MessageRefreshed)
}

// advance pushes the head of the launch, end or update queue unless a push
// is still awaiting confirmation.
func (b *Broker) advance(ctx context.Context, exps []*models.Experiment) (*Outcome, error) {
	if w := waiting(exps); w != nil {
		return noop(b.Collection(), "awaiting confirmation of "+w.Slug), nil
	}
	exp, action := next(exps)
	if exp == nil {
		return nil, nil
	}
	logger := b.logger().WithFields(log.Fields{"slug": exp.Slug, "action": action})

	if (action == ActionLaunch || (action == ActionUpdate && exp.IsRollout)) && b.deps.Allocator.NeedsAllocation(exp) {
		if err := b.allocate(ctx, exp); err != nil {
			return nil, err
		}
	}

	var err error
	switch action {
	case ActionLaunch:
		err = b.pushDocument(ctx, exp, b.deps.Client.CreateRecord)
	case ActionUpdate:
		err = b.pushDocument(ctx, exp, b.deps.Client.UpdateRecord)
	case ActionEnd:
		err = b.deps.Client.DeleteRecord(ctx, exp.Slug)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "pushing %s (%s)", exp.Slug, action)
	}

	t, err := lifecycle.Wait(exp, b.now())
	if err != nil {
		return nil, err
	}
	if err := b.commit(ctx, exp, t, MessagePushed); err != nil {
		return nil, err
	}
	b.deps.Metrics.Push(b.Collection(), string(action))
	logger.Info("pushed experiment")
	return &Outcome{Kind: OutcomeAdvanced, Collection: b.Collection(), Slug: exp.Slug, Action: action}, nil
}

func (b *Broker) pushDocument(ctx context.Context, exp *models.Experiment, write func(context.Context, string, json.RawMessage) error) error {
	payload, err := b.deps.Serializer.Serialize(exp)
	if err != nil {
		return err
	}
	return write(ctx, exp.Slug, payload)
}

func (b *Broker) allocate(ctx context.Context, exp *models.Experiment) error {
	r, err := b.deps.Allocator.Allocate(ctx, exp)
	if err != nil {
		return errors.Wrapf(err, "allocating buckets for %s", exp.Slug)
	}
	b.deps.Metrics.Allocation(string(exp.Application))
	st := exp.State()
	message := fmt.Sprintf("%s: %s [%d, %d)", MessageAllocated, r.Group.Namespace(), r.Start, r.End())
	lifecycle.Record(ctx, b.deps.Recorder, b.actor, lifecycle.Transition{Slug: exp.Slug, Old: st, New: st}, message)
	return nil
}

// commit saves exp and then appends its changelog entry.
func (b *Broker) commit(ctx context.Context, exp *models.Experiment, t lifecycle.Transition, message string) error {
	if err := b.deps.Store.Save(ctx, exp); err != nil {
		return errors.Wrapf(err, "saving %s", exp.Slug)
	}
	lifecycle.Record(ctx, b.deps.Recorder, b.actor, t, message)
	return nil
}
