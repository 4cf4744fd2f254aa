package main

import (
	"context"
	"database/sql"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gorollout/broker"
	"gorollout/buckets"
	"gorollout/config"
	"gorollout/kinto"
	"gorollout/lease"
	"gorollout/metrics"
	"gorollout/scheduler"
	"gorollout/store"
)

// app holds the long-lived collaborators every command shares.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     *store.Postgres
	allocator *buckets.Allocator
	locker    lease.Locker
	redis     *lease.Redis
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		store:    store.NewPostgres(db),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New("gorollout", a.registry)
	a.allocator = buckets.New(a.store, buckets.WithTotal(cfg.Buckets.Total))

	if cfg.Redis.Address == "" {
		log.Warn("no redis address configured, passes are only serialized within this process")
		a.locker = lease.NewLocal()
		return a, nil
	}
	r, err := lease.NewRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.redis = r
	a.locker = r
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.db.Close()
}

// broker builds the reconciliation broker for one reviewed collection.
func (a *app) broker(collection string) (*broker.Broker, error) {
	apps := a.cfg.Applications(collection)
	if len(apps) == 0 {
		return nil, errors.Errorf("unknown collection %s", collection)
	}
	client, err := kinto.NewHTTPClient(a.cfg.Kinto.Config, collection, true)
	if err != nil {
		return nil, err
	}
	return broker.New(apps, broker.Deps{
		Client:    client,
		Store:     a.store,
		Recorder:  a.store,
		Allocator: a.allocator,
		Metrics:   a.metrics,
	}, broker.WithReviewTimeout(a.cfg.Kinto.ReviewTimeout))
}

func (a *app) previewSynchronizer() (*broker.PreviewSynchronizer, error) {
	client, err := kinto.NewHTTPClient(a.cfg.Kinto.Config, a.cfg.PreviewCollection, false)
	if err != nil {
		return nil, err
	}
	return broker.NewPreviewSynchronizer(client, a.store, a.allocator, a.metrics)
}

// tasks returns one broker per reviewed collection plus the preview sync.
func (a *app) tasks() ([]scheduler.Task, error) {
	var tasks []scheduler.Task
	for _, collection := range a.cfg.CollectionNames() {
		b, err := a.broker(collection)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, b)
	}
	p, err := a.previewSynchronizer()
	if err != nil {
		return nil, err
	}
	return append(tasks, p), nil
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	tasks, err := a.tasks()
	if err != nil {
		return nil, err
	}
	return scheduler.New(a.locker, tasks,
		scheduler.WithInterval(a.cfg.Scheduler.Interval),
		scheduler.WithWorkers(a.cfg.Scheduler.Workers),
		scheduler.WithLeaseTTL(a.cfg.Lease.TTL),
		scheduler.WithMetrics(a.metrics),
	)
}

func (a *app) checks() map[string]Checker {
	checks := map[string]Checker{
		"database": a.db.PingContext,
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Ping
	}
	return checks
}
