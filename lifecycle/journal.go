package lifecycle

import (
	"context"

	"github.com/apex/log"

	"gorollout/models"
)

// SystemActor is the changelog author for moves made by the reconciler.
const SystemActor = "rollout-broker"

// Recorder appends audit entries. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Append(ctx context.Context, entry *models.ChangeLog) error
}

// Record appends one changelog entry for t. A failed append is logged and
// never blocks the transition that produced it.
func Record(ctx context.Context, rec Recorder, actor string, t Transition, message string) {
	if rec == nil {
		return
	}
	entry := models.NewChangeLog(t.Slug, actor, t.Old, t.New, message)
	if err := rec.Append(ctx, entry); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"slug": t.Slug,
			"old":  t.Old.String(),
			"new":  t.New.String(),
		}).Error("failed to append changelog")
	}
}
