// Package buckets assigns non-overlapping randomization ranges to
// experiments that share an isolation group name.
//
// Allocation is append-only: a group is filled from its highest allocated
// bucket upward and, once full, a new instance of the group is opened.
// Freed ranges are never reused, so replaying the same requests against an
// empty store always yields the same (instance, start, count) tuples.
package buckets

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"gorollout/models"
)

// ErrAllocationOverflow means a range could not fit inside its group. Given
// the roll-to-new-instance policy this only happens for a request wider
// than a whole group or a corrupted store; it is fatal for the caller.
var ErrAllocationOverflow = errors.New("bucket allocation overflow")

// ErrRangeExists means the experiment already holds a range.
var ErrRangeExists = errors.New("experiment already holds a bucket range")

// Tx is the view of the store available while a group is locked.
type Tx interface {
	// LatestGroup returns the highest instance for (name, app), or nil.
	LatestGroup(ctx context.Context, name string, app models.Application) (*models.IsolationGroup, error)
	// GroupEnd returns the group's high-water mark: the end of the highest
	// range ever allocated in it, discarded ranges included.
	GroupEnd(ctx context.Context, groupID int64) (int, error)
	CreateGroup(ctx context.Context, g *models.IsolationGroup) error
	// CreateRange fails with ErrRangeExists when the slug already holds one.
	CreateRange(ctx context.Context, r *models.BucketRange) error
	// DeleteRangesFor discards every range held by the experiment.
	DeleteRangesFor(ctx context.Context, slug string) error
}

// Store serializes allocation per (name, application).
type Store interface {
	WithBucketLock(ctx context.Context, name string, app models.Application, fn func(Tx) error) error
}

// Allocator hands out bucket ranges.
type Allocator struct {
	store Store
	total int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithTotal overrides the bucket space of newly created groups.
func WithTotal(total int) Option {
	return func(a *Allocator) {
		a.total = total
	}
}

// New returns an Allocator over store.
func New(store Store, opts ...Option) *Allocator {
	a := &Allocator{store: store, total: models.BucketTotal}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Total is the bucket space of new groups.
func (a *Allocator) Total() int {
	return a.total
}

// RequestBuckets reserves size buckets for slug under the isolation group name.
// An experiment holds at most one range: requesting a second one fails with
// ErrRangeExists, use Allocate to replace it.
func (a *Allocator) RequestBuckets(ctx context.Context, name string, app models.Application, unit models.RandomizationUnit, size int, slug string) (*models.BucketRange, error) {
	var out *models.BucketRange
	err := a.store.WithBucketLock(ctx, name, app, func(tx Tx) error {
		r, err := a.request(ctx, tx, name, app, unit, size, slug)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Allocate replaces the experiment's range with one sized to its current
// population and stores it on exp.Bucket.
func (a *Allocator) Allocate(ctx context.Context, exp *models.Experiment) (*models.BucketRange, error) {
	name := exp.BucketNamespace()
	size := exp.BucketCount(a.total)
	var out *models.BucketRange
	err := a.store.WithBucketLock(ctx, name, exp.Application, func(tx Tx) error {
		if err := tx.DeleteRangesFor(ctx, exp.Slug); err != nil {
			return errors.Wrapf(err, "discarding ranges of %s", exp.Slug)
		}
		r, err := a.request(ctx, tx, name, exp.Application, exp.Application.RandomizationUnit(), size, exp.Slug)
		out = r
		return err
	})
	if err != nil {
		return nil, err
	}
	exp.Bucket = out
	return out, nil
}

// NeedsAllocation reports whether exp has no range or one whose width no
// longer matches its population.
func (a *Allocator) NeedsAllocation(exp *models.Experiment) bool {
	if exp.Bucket == nil {
		return true
	}
	return exp.Bucket.Count != exp.BucketCount(exp.Bucket.Group.Total) ||
		exp.Bucket.Group.Name != exp.BucketNamespace()
}

func (a *Allocator) request(ctx context.Context, tx Tx, name string, app models.Application, unit models.RandomizationUnit, size int, slug string) (*models.BucketRange, error) {
	if size < 0 || size > a.total {
		return nil, errors.Wrapf(ErrAllocationOverflow, "%s: %d buckets requested of %d", name, size, a.total)
	}

	group, err := tx.LatestGroup(ctx, name, app)
	if err != nil {
		return nil, errors.Wrapf(err, "loading isolation group %s", name)
	}
	if group == nil {
		group = &models.IsolationGroup{
			Name:              name,
			Application:       app,
			Instance:          1,
			Total:             a.total,
			RandomizationUnit: unit,
		}
		if err := tx.CreateGroup(ctx, group); err != nil {
			return nil, errors.Wrapf(err, "creating isolation group %s", group.Namespace())
		}
	}

	start, err := tx.GroupEnd(ctx, group.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "measuring isolation group %s", group.Namespace())
	}
	if start+size > group.Total {
		next := &models.IsolationGroup{
			Name:              name,
			Application:       app,
			Instance:          group.Instance + 1,
			Total:             a.total,
			RandomizationUnit: unit,
		}
		if err := tx.CreateGroup(ctx, next); err != nil {
			return nil, errors.Wrapf(err, "creating isolation group %s", next.Namespace())
		}
		log.WithFields(log.Fields{
			"group":    group.Namespace(),
			"next":     next.Namespace(),
			"required": size,
		}).Info("isolation group full")
		group, start = next, 0
	}
	if start+size > group.Total {
		return nil, errors.Wrapf(ErrAllocationOverflow, "%s: [%d,%d) exceeds %d", group.Namespace(), start, start+size, group.Total)
	}

	r := &models.BucketRange{
		ExperimentSlug: slug,
		Group:          *group,
		Start:          start,
		Count:          size,
	}
	if err := tx.CreateRange(ctx, r); err != nil {
		return nil, errors.Wrapf(err, "creating bucket range in %s", group.Namespace())
	}
	return r, nil
}
