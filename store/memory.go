package store

import (
	"context"
	"sort"
	"sync"

	"gorollout/buckets"
	"gorollout/models"
)

// Memory is an in-process store. Values are cloned on the way in and out so
// callers never share state with it.
type Memory struct {
	mu          sync.Mutex
	experiments map[string]*models.Experiment
	groups      []*models.IsolationGroup
	ranges      []*models.BucketRange
	changelogs  []*models.ChangeLog
	nextID      int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		experiments: make(map[string]*models.Experiment),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// Get returns the experiment with slug.
func (m *Memory) Get(_ context.Context, slug string) (*models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.experiments[slug]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withBucket(exp.Clone()), nil
}

// Save inserts or replaces exp by slug.
func (m *Memory) Save(_ context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.experiments[exp.Slug]; ok {
		exp.ID = prev.ID
	} else if exp.ID == 0 {
		exp.ID = m.id()
	}
	m.experiments[exp.Slug] = exp.Clone()
	return nil
}

// ListByApplications returns the reconcilable experiments of apps ordered by slug.
func (m *Memory) ListByApplications(_ context.Context, apps []models.Application) ([]*models.Experiment, error) {
	want := make(map[models.Application]bool, len(apps))
	for _, a := range apps {
		want[a] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Experiment
	for _, exp := range m.experiments {
		if want[exp.Application] && reconcilable(exp) {
			out = append(out, m.withBucket(exp.Clone()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// ListByStatus returns every experiment in status ordered by slug.
func (m *Memory) ListByStatus(_ context.Context, status models.Status) ([]*models.Experiment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Experiment
	for _, exp := range m.experiments {
		if exp.Status == status {
			out = append(out, m.withBucket(exp.Clone()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *Memory) withBucket(exp *models.Experiment) *models.Experiment {
	for _, r := range m.ranges {
		if r.ExperimentSlug == exp.Slug {
			c := *r
			exp.Bucket = &c
		}
	}
	return exp
}

// Append records a changelog entry.
func (m *Memory) Append(_ context.Context, entry *models.ChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.changelogs = append(m.changelogs, &c)
	return nil
}

// ListChangeLogs returns the entries recorded for slug, oldest first.
func (m *Memory) ListChangeLogs(_ context.Context, slug string) ([]*models.ChangeLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChangeLog
	for _, c := range m.changelogs {
		if c.ExperimentSlug == slug {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

// Ranges returns every live bucket range.
func (m *Memory) Ranges() []models.BucketRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BucketRange, 0, len(m.ranges))
	for _, r := range m.ranges {
		out = append(out, *r)
	}
	return out
}

// WithBucketLock runs fn with allocation for (name, app) serialized.
func (m *Memory) WithBucketLock(ctx context.Context, name string, app models.Application, fn func(buckets.Tx) error) error {
	key := lockKey(name, app)
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(memoryTx{m})
}

type memoryTx struct {
	m *Memory
}

func (t memoryTx) LatestGroup(_ context.Context, name string, app models.Application) (*models.IsolationGroup, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var latest *models.IsolationGroup
	for _, g := range t.m.groups {
		if g.Name == name && g.Application == app && (latest == nil || g.Instance > latest.Instance) {
			latest = g
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

func (t memoryTx) GroupEnd(_ context.Context, groupID int64) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, g := range t.m.groups {
		if g.ID == groupID {
			return g.Allocated, nil
		}
	}
	return 0, ErrNotFound
}

func (t memoryTx) CreateGroup(_ context.Context, g *models.IsolationGroup) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	g.ID = t.m.id()
	c := *g
	t.m.groups = append(t.m.groups, &c)
	return nil
}

func (t memoryTx) CreateRange(_ context.Context, r *models.BucketRange) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, existing := range t.m.ranges {
		if existing.ExperimentSlug == r.ExperimentSlug {
			return buckets.ErrRangeExists
		}
	}
	r.ID = t.m.id()
	c := *r
	for _, g := range t.m.groups {
		if g.ID == r.Group.ID && r.End() > g.Allocated {
			g.Allocated = r.End()
			c.Group.Allocated = g.Allocated
			r.Group.Allocated = g.Allocated
		}
	}
	t.m.ranges = append(t.m.ranges, &c)
	return nil
}

func (t memoryTx) DeleteRangesFor(_ context.Context, slug string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	kept := t.m.ranges[:0]
	for _, r := range t.m.ranges {
		if r.ExperimentSlug != slug {
			kept = append(kept, r)
		}
	}
	t.m.ranges = kept
	return nil
}
