package store

import (
	"database/sql"

	"github.com/apex/log"
	"github.com/pkg/errors"
	migrate "github.com/rubenv/sql-migrate"
)

var migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "0001_experiments",
			Up: []string{`
CREATE TABLE experiments (
	id                  BIGSERIAL PRIMARY KEY,
	slug                TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL,
	application         TEXT NOT NULL,
	channel             TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	publish_status      TEXT NOT NULL,
	status_next         TEXT,
	is_paused           BOOLEAN NOT NULL DEFAULT FALSE,
	is_paused_published BOOLEAN NOT NULL DEFAULT FALSE,
	is_rollout          BOOLEAN NOT NULL DEFAULT FALSE,
	is_rollout_dirty    BOOLEAN NOT NULL DEFAULT FALSE,
	population_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
	feature_ids         TEXT[] NOT NULL DEFAULT '{}',
	targeting           TEXT NOT NULL DEFAULT '',
	branches            JSONB NOT NULL DEFAULT '[]',
	published_dto       BYTEA,
	published_at        TIMESTAMPTZ,
	ended_at            TIMESTAMPTZ,
	waiting_since       TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
				`CREATE INDEX experiments_application_idx ON experiments (application, status, publish_status)`,
			},
			Down: []string{`DROP TABLE experiments`},
		},
		{
			Id: "0002_buckets",
			Up: []string{`
CREATE TABLE isolation_groups (
	id                 BIGSERIAL PRIMARY KEY,
	name               TEXT NOT NULL,
	application        TEXT NOT NULL,
	instance           INTEGER NOT NULL,
	total              INTEGER NOT NULL,
	allocated          INTEGER NOT NULL DEFAULT 0,
	randomization_unit TEXT NOT NULL,
	UNIQUE (name, application, instance),
	CHECK (allocated <= total)
)`, `
CREATE TABLE bucket_ranges (
	id                 BIGSERIAL PRIMARY KEY,
	isolation_group_id BIGINT NOT NULL REFERENCES isolation_groups (id),
	experiment_slug    TEXT NOT NULL UNIQUE,
	start              INTEGER NOT NULL,
	count              INTEGER NOT NULL
)`,
			},
			Down: []string{`DROP TABLE bucket_ranges`, `DROP TABLE isolation_groups`},
		},
		{
			Id: "0003_changelogs",
			Up: []string{`
CREATE TABLE changelogs (
	id                 UUID PRIMARY KEY,
	experiment_slug    TEXT NOT NULL,
	changed_by         TEXT NOT NULL,
	old_status         TEXT NOT NULL,
	old_publish_status TEXT NOT NULL,
	old_status_next    TEXT,
	new_status         TEXT NOT NULL,
	new_publish_status TEXT NOT NULL,
	new_status_next    TEXT,
	message            TEXT NOT NULL DEFAULT '',
	changed_on         TIMESTAMPTZ NOT NULL
)`,
				`CREATE INDEX changelogs_slug_idx ON changelogs (experiment_slug, changed_on)`,
			},
			Down: []string{`DROP TABLE changelogs`},
		},
	},
}

// Migrate brings the schema up to date.
func Migrate(db *sql.DB) error {
	n, err := migrate.Exec(db, "postgres", migrations, migrate.Up)
	if err != nil {
		return errors.Wrap(err, "running migrations")
	}
	log.Debugf("performed %d migrations", n)
	return nil
}
