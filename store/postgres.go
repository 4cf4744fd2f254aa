package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"gorollout/buckets"
	"gorollout/models"
)

// uniqueViolation is the SQLSTATE of a UNIQUE constraint failure.
const uniqueViolation = "23505"

// Postgres is the production store.
type Postgres struct {
	db *sql.DB
}

// Open connects to the database at url and checks it is reachable.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to database")
	}
	return db, nil
}

// NewPostgres returns a store over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const selectExperiments = `
	SELECT e.id, e.slug, e.name, e.application, e.channel,
		e.status, e.publish_status, e.status_next,
		e.is_paused, e.is_paused_published, e.is_rollout, e.is_rollout_dirty,
		e.population_percent, e.feature_ids, e.targeting, e.branches,
		e.published_dto, e.published_at, e.ended_at, e.waiting_since,
		e.created_at, e.updated_at,
		br.id, br.start, br.count,
		g.id, g.name, g.application, g.instance, g.total, g.allocated, g.randomization_unit
	FROM experiments e
	LEFT JOIN bucket_ranges br ON br.experiment_slug = e.slug
	LEFT JOIN isolation_groups g ON g.id = br.isolation_group_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExperiment(row rowScanner) (*models.Experiment, error) {
	var (
		exp                                models.Experiment
		statusNext                         sql.NullString
		features                           pq.StringArray
		branches                           []byte
		publishedAt, endedAt, waitingSince sql.NullTime
		rangeID, rangeStart, rangeCount    sql.NullInt64
		groupID, groupInstance, groupTotal sql.NullInt64
		groupAllocated                     sql.NullInt64
		groupName, groupApp, groupUnit     sql.NullString
	)
	err := row.Scan(
		&exp.ID, &exp.Slug, &exp.Name, &exp.Application, &exp.Channel,
		&exp.Status, &exp.PublishStatus, &statusNext,
		&exp.IsPaused, &exp.IsPausedPublished, &exp.IsRollout, &exp.IsRolloutDirty,
		&exp.PopulationPercent, &features, &exp.Targeting, &branches,
		&exp.PublishedDTO, &publishedAt, &endedAt, &waitingSince,
		&exp.CreatedAt, &exp.UpdatedAt,
		&rangeID, &rangeStart, &rangeCount,
		&groupID, &groupName, &groupApp, &groupInstance, &groupTotal, &groupAllocated, &groupUnit,
	)
	if err != nil {
		return nil, err
	}
	if statusNext.Valid {
		exp.StatusNext = models.StatusPtr(models.Status(statusNext.String))
	}
	if len(features) > 0 {
		exp.FeatureIDs = []string(features)
	}
	if len(branches) > 0 {
		if err := json.Unmarshal(branches, &exp.Branches); err != nil {
			return nil, errors.Wrapf(err, "decoding branches of %s", exp.Slug)
		}
	}
	exp.PublishedAt = nullTime(publishedAt)
	exp.EndedAt = nullTime(endedAt)
	exp.WaitingSince = nullTime(waitingSince)
	if rangeID.Valid {
		exp.Bucket = &models.BucketRange{
			ID:             rangeID.Int64,
			ExperimentSlug: exp.Slug,
			Start:          int(rangeStart.Int64),
			Count:          int(rangeCount.Int64),
			Group: models.IsolationGroup{
				ID:                groupID.Int64,
				Name:              groupName.String,
				Application:       models.Application(groupApp.String),
				Instance:          int(groupInstance.Int64),
				Total:             int(groupTotal.Int64),
				Allocated:         int(groupAllocated.Int64),
				RandomizationUnit: models.RandomizationUnit(groupUnit.String),
			},
		}
	}
	return &exp, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullStatus(s *models.Status) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*s), Valid: true}
}

func (p *Postgres) queryExperiments(ctx context.Context, query string, args ...interface{}) ([]*models.Experiment, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying experiments")
	}
	defer rows.Close()

	var experiments []*models.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning experiment")
		}
		experiments = append(experiments, exp)
	}
	return experiments, rows.Err()
}

// Get returns the experiment with slug.
func (p *Postgres) Get(ctx context.Context, slug string) (*models.Experiment, error) {
	exp, err := scanExperiment(p.db.QueryRowContext(ctx, selectExperiments+`
	WHERE e.slug = $1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading experiment %s", slug)
	}
	return exp, nil
}

// ListByApplications returns the reconcilable experiments of apps ordered by slug.
func (p *Postgres) ListByApplications(ctx context.Context, apps []models.Application) ([]*models.Experiment, error) {
	names := make([]string, len(apps))
	for i, a := range apps {
		names[i] = string(a)
	}
	return p.queryExperiments(ctx, selectExperiments+`
	WHERE e.application = ANY($1)
		AND NOT (e.status = $2 AND e.publish_status = $3)
	ORDER BY e.slug`, pq.Array(names), models.StatusComplete, models.PublishIdle)
}

// ListByStatus returns every experiment in status ordered by slug.
func (p *Postgres) ListByStatus(ctx context.Context, status models.Status) ([]*models.Experiment, error) {
	return p.queryExperiments(ctx, selectExperiments+`
	WHERE e.status = $1
	ORDER BY e.slug`, status)
}

// Save inserts or updates exp by slug. The bucket range is owned by the
// allocator and is not written here.
func (p *Postgres) Save(ctx context.Context, exp *models.Experiment) error {
	branches, err := json.Marshal(exp.Branches)
	if err != nil {
		return errors.Wrapf(err, "encoding branches of %s", exp.Slug)
	}
	features := exp.FeatureIDs
	if features == nil {
		features = []string{}
	}
	exp.UpdatedAt = time.Now().UTC()
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = exp.UpdatedAt
	}

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO experiments (
			slug, name, application, channel,
			status, publish_status, status_next,
			is_paused, is_paused_published, is_rollout, is_rollout_dirty,
			population_percent, feature_ids, targeting, branches,
			published_dto, published_at, ended_at, waiting_since,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			application = EXCLUDED.application,
			channel = EXCLUDED.channel,
			status = EXCLUDED.status,
			publish_status = EXCLUDED.publish_status,
			status_next = EXCLUDED.status_next,
			is_paused = EXCLUDED.is_paused,
			is_paused_published = EXCLUDED.is_paused_published,
			is_rollout = EXCLUDED.is_rollout,
			is_rollout_dirty = EXCLUDED.is_rollout_dirty,
			population_percent = EXCLUDED.population_percent,
			feature_ids = EXCLUDED.feature_ids,
			targeting = EXCLUDED.targeting,
			branches = EXCLUDED.branches,
			published_dto = EXCLUDED.published_dto,
			published_at = EXCLUDED.published_at,
			ended_at = EXCLUDED.ended_at,
			waiting_since = EXCLUDED.waiting_since,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		exp.Slug, exp.Name, exp.Application, exp.Channel,
		exp.Status, exp.PublishStatus, nullStatus(exp.StatusNext),
		exp.IsPaused, exp.IsPausedPublished, exp.IsRollout, exp.IsRolloutDirty,
		exp.PopulationPercent, pq.Array(features), exp.Targeting, branches,
		exp.PublishedDTO, exp.PublishedAt, exp.EndedAt, exp.WaitingSince,
		exp.CreatedAt, exp.UpdatedAt,
	).Scan(&exp.ID)
	if err != nil {
		return errors.Wrapf(err, "saving experiment %s", exp.Slug)
	}
	return nil
}

// Append records a changelog entry.
func (p *Postgres) Append(ctx context.Context, entry *models.ChangeLog) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO changelogs (
			id, experiment_slug, changed_by,
			old_status, old_publish_status, old_status_next,
			new_status, new_publish_status, new_status_next,
			message, changed_on
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.ExperimentSlug, entry.ChangedBy,
		entry.Old.Status, entry.Old.PublishStatus, nullStatus(entry.Old.StatusNext),
		entry.New.Status, entry.New.PublishStatus, nullStatus(entry.New.StatusNext),
		entry.Message, entry.ChangedOn,
	)
	if err != nil {
		return errors.Wrapf(err, "appending changelog for %s", entry.ExperimentSlug)
	}
	return nil
}

// ListChangeLogs returns the entries recorded for slug, oldest first.
func (p *Postgres) ListChangeLogs(ctx context.Context, slug string) ([]*models.ChangeLog, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, experiment_slug, changed_by,
			old_status, old_publish_status, old_status_next,
			new_status, new_publish_status, new_status_next,
			message, changed_on
		FROM changelogs
		WHERE experiment_slug = $1
		ORDER BY changed_on`, slug)
	if err != nil {
		return nil, errors.Wrap(err, "querying changelogs")
	}
	defer rows.Close()

	var entries []*models.ChangeLog
	for rows.Next() {
		var (
			c                models.ChangeLog
			oldNext, newNext sql.NullString
		)
		err := rows.Scan(
			&c.ID, &c.ExperimentSlug, &c.ChangedBy,
			&c.Old.Status, &c.Old.PublishStatus, &oldNext,
			&c.New.Status, &c.New.PublishStatus, &newNext,
			&c.Message, &c.ChangedOn,
		)
		if err != nil {
			return nil, errors.Wrap(err, "scanning changelog")
		}
		if oldNext.Valid {
			c.Old.StatusNext = models.StatusPtr(models.Status(oldNext.String))
		}
		if newNext.Valid {
			c.New.StatusNext = models.StatusPtr(models.Status(newNext.String))
		}
		entries = append(entries, &c)
	}
	return entries, rows.Err()
}

// WithBucketLock runs fn in a transaction holding an advisory lock on
// (name, app). Summing then inserting is check-then-act, so two allocators
// must never interleave on one group name.
func (p *Postgres) WithBucketLock(ctx context.Context, name string, app models.Application, fn func(buckets.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning allocation")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(name, app)); err != nil {
		return errors.Wrapf(err, "locking isolation group %s", name)
	}
	if err := fn(pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing allocation")
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t pgTx) LatestGroup(ctx context.Context, name string, app models.Application) (*models.IsolationGroup, error) {
	var g models.IsolationGroup
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, application, instance, total, allocated, randomization_unit
		FROM isolation_groups
		WHERE name = $1 AND application = $2
		ORDER BY instance DESC
		LIMIT 1`, name, app,
	).Scan(&g.ID, &g.Name, &g.Application, &g.Instance, &g.Total, &g.Allocated, &g.RandomizationUnit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (t pgTx) GroupEnd(ctx context.Context, groupID int64) (int, error) {
	var allocated int
	err := t.tx.QueryRowContext(ctx, `SELECT allocated FROM isolation_groups WHERE id = $1`, groupID).Scan(&allocated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return allocated, err
}

func (t pgTx) CreateGroup(ctx context.Context, g *models.IsolationGroup) error {
	return t.tx.QueryRowContext(ctx, `
		INSERT INTO isolation_groups (name, application, instance, total, allocated, randomization_unit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		g.Name, g.Application, g.Instance, g.Total, g.Allocated, g.RandomizationUnit,
	).Scan(&g.ID)
}

func (t pgTx) CreateRange(ctx context.Context, r *models.BucketRange) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO bucket_ranges (isolation_group_id, experiment_slug, start, count)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		r.Group.ID, r.ExperimentSlug, r.Start, r.Count,
	).Scan(&r.ID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return buckets.ErrRangeExists
	}
	if err != nil {
		return err
	}
	return t.tx.QueryRowContext(ctx, `
		UPDATE isolation_groups
		SET allocated = GREATEST(allocated, $2)
		WHERE id = $1
		RETURNING allocated`, r.Group.ID, r.End(),
	).Scan(&r.Group.Allocated)
}

func (t pgTx) DeleteRangesFor(ctx context.Context, slug string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM bucket_ranges WHERE experiment_slug = $1`, slug)
	return err
}
