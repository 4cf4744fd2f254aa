package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeLog is an immutable audit entry appended on every lifecycle or
// bucket state change.
type ChangeLog struct {
	ID             uuid.UUID `json:"id"`
	ExperimentSlug string    `json:"experiment_slug"`
	ChangedBy      string    `json:"changed_by"`
	Old            State     `json:"old"`
	New            State     `json:"new"`
	Message        string    `json:"message"`
	ChangedOn      time.Time `json:"changed_on"`
}

// NewChangeLog stamps a fresh entry for slug.
func NewChangeLog(slug, actor string, old, new State, message string) *ChangeLog {
	return &ChangeLog{
		ID:             uuid.New(),
		ExperimentSlug: slug,
		ChangedBy:      actor,
		Old:            old,
		New:            new,
		Message:        message,
		ChangedOn:      time.Now().UTC(),
	}
}
