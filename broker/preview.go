package broker

import (
	"context"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"gorollout/kinto"
	"gorollout/metrics"
	"gorollout/models"
	"gorollout/serializer"
)

// PreviewStore lists experiments by status.
type PreviewStore interface {
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Experiment, error)
	Save(ctx context.Context, exp *models.Experiment) error
}

// PreviewResult summarizes one preview sync.
type PreviewResult struct {
	Created []string `json:"created,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

// PreviewSynchronizer mirrors every Preview experiment into the unreviewed
// preview collection and removes records for everything else.
type PreviewSynchronizer struct {
	client     kinto.Client
	store      PreviewStore
	allocator  Allocator
	serializer Serializer
	metrics    *metrics.Metrics
}

// NewPreviewSynchronizer returns a synchronizer for client's collection.
// allocator may be nil, in which case preview documents carry whatever range
// the experiment already has.
func NewPreviewSynchronizer(client kinto.Client, store PreviewStore, allocator Allocator, m *metrics.Metrics) (*PreviewSynchronizer, error) {
	if client == nil || store == nil {
		return nil, errors.New("broker: preview sync requires a client and a store")
	}
	return &PreviewSynchronizer{
		client:     client,
		store:      store,
		allocator:  allocator,
		serializer: serializer.Serializer{},
		metrics:    m,
	}, nil
}

// Name identifies the synchronizer as a scheduled task.
func (p *PreviewSynchronizer) Name() string {
	return "preview:" + p.client.Collection()
}

// Run performs one sync and summarizes it for the scheduler.
func (p *PreviewSynchronizer) Run(ctx context.Context) (string, error) {
	res, err := p.Sync(ctx)
	if err != nil {
		return "", err
	}
	return "created " + joinOrNone(res.Created) + ", deleted " + joinOrNone(res.Deleted), nil
}

func joinOrNone(slugs []string) string {
	if len(slugs) == 0 {
		return "none"
	}
	return strings.Join(slugs, " ")
}

// Sync pushes want minus have and deletes have minus want.
func (p *PreviewSynchronizer) Sync(ctx context.Context) (PreviewResult, error) {
	var res PreviewResult
	logger := log.WithField("collection", p.client.Collection())

	want, err := p.store.ListByStatus(ctx, models.StatusPreview)
	if err != nil {
		return res, errors.Wrap(err, "listing preview experiments")
	}
	have, err := p.client.GetMainRecords(ctx)
	if err != nil {
		return res, errors.Wrap(err, "fetching preview records")
	}

	wanted := make(map[string]bool, len(want))
	for _, exp := range want {
		wanted[exp.Slug] = true
		if _, ok := have[exp.Slug]; ok {
			continue
		}
		if err := p.push(ctx, exp); err != nil {
			return res, err
		}
		res.Created = append(res.Created, exp.Slug)
		p.metrics.Push(p.client.Collection(), string(ActionLaunch))
	}

	var stale []string
	for slug := range have {
		if !wanted[slug] {
			stale = append(stale, slug)
		}
	}
	sort.Strings(stale)
	for _, slug := range stale {
		if err := p.client.DeleteRecord(ctx, slug); err != nil {
			return res, errors.Wrapf(err, "deleting preview record %s", slug)
		}
		res.Deleted = append(res.Deleted, slug)
		p.metrics.Push(p.client.Collection(), string(ActionEnd))
	}

	if len(res.Created)+len(res.Deleted) > 0 {
		logger.WithFields(log.Fields{
			"created": len(res.Created),
			"deleted": len(res.Deleted),
		}).Info("synchronized preview collection")
	}
	return res, nil
}

func (p *PreviewSynchronizer) push(ctx context.Context, exp *models.Experiment) error {
	if p.allocator != nil && p.allocator.NeedsAllocation(exp) {
		if _, err := p.allocator.Allocate(ctx, exp); err != nil {
			return errors.Wrapf(err, "allocating buckets for %s", exp.Slug)
		}
		p.metrics.Allocation(string(exp.Application))
		if err := p.store.Save(ctx, exp); err != nil {
			return errors.Wrapf(err, "saving %s", exp.Slug)
		}
	}
	payload, err := p.serializer.Serialize(exp)
	if err != nil {
		return err
	}
	if err := p.client.CreateRecord(ctx, exp.Slug, payload); err != nil {
		return errors.Wrapf(err, "creating preview record %s", exp.Slug)
	}
	return nil
}
