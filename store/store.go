// Package store persists experiments, isolation groups, bucket ranges and
// the changelog. Postgres is the production backend; Memory backs tests and
// dry runs.
package store

import (
	"github.com/pkg/errors"

	"gorollout/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// reconcilable reports whether exp still matters to the broker. Archived
// history (Complete and idle) is skipped.
func reconcilable(exp *models.Experiment) bool {
	return !(exp.Status == models.StatusComplete && exp.PublishStatus == models.PublishIdle)
}

func lockKey(name string, app models.Application) string {
	return string(app) + "/" + name
}
