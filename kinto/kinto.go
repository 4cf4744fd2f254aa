// Package kinto talks to the reviewed remote configuration store. Writes go
// to a workspace bucket and only reach the main bucket, which clients read,
// once a reviewer signs them off.
package kinto

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrRemoteUnavailable wraps every transport failure and unexpected HTTP
// status. The scheduler retries passes that fail with it.
var ErrRemoteUnavailable = errors.New("remote store unavailable")

// Collection status values written by reviewers and by this client.
const (
	StatusToReview       = "to-review"
	StatusWorkInProgress = "work-in-progress"
	StatusToRollback     = "to-rollback"
	StatusToSign         = "to-sign"
	StatusSigned         = "signed"
)

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

func (e *HTTPError) Unwrap() error {
	return ErrRemoteUnavailable
}

// Rejection is a reviewer's refusal of the pending change. It is an expected
// outcome, not an error.
type Rejection struct {
	Reason   string
	Reviewer string
}

// Client is scoped to one named collection.
type Client interface {
	Collection() string
	// GetMainRecords returns the published records keyed by id.
	GetMainRecords(ctx context.Context) (map[string]json.RawMessage, error)
	CreateRecord(ctx context.Context, id string, payload json.RawMessage) error
	UpdateRecord(ctx context.Context, id string, payload json.RawMessage) error
	DeleteRecord(ctx context.Context, id string) error
	HasPendingReview(ctx context.Context) (bool, error)
	HasRejection(ctx context.Context) (bool, error)
	GetRejection(ctx context.Context) (*Rejection, error)
	// RollbackChanges discards unsigned workspace changes.
	RollbackChanges(ctx context.Context) error
}
