package kinto

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Fake is an in-memory Client with the same workspace/main split as the real
// store. Reviewer actions are driven from tests with Approve and Reject.
type Fake struct {
	mu         sync.Mutex
	collection string
	review     bool
	status     string
	reviewer   string
	comment    string
	workspace  map[string]json.RawMessage
	main       map[string]json.RawMessage

	// Err, when set, is returned by every call.
	Err error
	// Calls records the mutating calls made, in order.
	Calls []string
}

// NewFake returns an empty signed collection.
func NewFake(collection string, review bool) *Fake {
	return &Fake{
		collection: collection,
		review:     review,
		status:     StatusSigned,
		workspace:  make(map[string]json.RawMessage),
		main:       make(map[string]json.RawMessage),
	}
}

// Collection returns the collection name.
func (f *Fake) Collection() string {
	return f.collection
}

func copyRecords(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (f *Fake) changed() {
	if f.review {
		f.status = StatusToReview
		return
	}
	f.main = copyRecords(f.workspace)
	f.status = StatusSigned
}

// GetMainRecords returns the published records.
func (f *Fake) GetMainRecords(context.Context) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return copyRecords(f.main), nil
}

// CreateRecord adds a record to the workspace. Recreating an identical
// record succeeds.
func (f *Fake) CreateRecord(_ context.Context, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if existing, ok := f.workspace[id]; ok && !sameDocument(existing, payload) {
		return errors.WithStack(&HTTPError{Method: "PUT", URL: id, Status: 412, Body: "exists"})
	}
	f.Calls = append(f.Calls, "create:"+id)
	f.workspace[id] = append(json.RawMessage(nil), payload...)
	f.changed()
	return nil
}

// UpdateRecord replaces a workspace record.
func (f *Fake) UpdateRecord(_ context.Context, id string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Calls = append(f.Calls, "update:"+id)
	f.workspace[id] = append(json.RawMessage(nil), payload...)
	f.changed()
	return nil
}

// DeleteRecord removes a workspace record.
func (f *Fake) DeleteRecord(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Calls = append(f.Calls, "delete:"+id)
	delete(f.workspace, id)
	f.changed()
	return nil
}

// HasPendingReview reports whether a change set awaits sign-off.
func (f *Fake) HasPendingReview(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == StatusToReview, f.Err
}

// HasRejection reports whether the last change set was refused.
func (f *Fake) HasRejection(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status == StatusWorkInProgress, f.Err
}

// GetRejection returns the refusal, or nil.
func (f *Fake) GetRejection(context.Context) (*Rejection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.status != StatusWorkInProgress {
		return nil, nil
	}
	return &Rejection{Reason: f.comment, Reviewer: f.reviewer}, nil
}

// RollbackChanges restores the workspace from main.
func (f *Fake) RollbackChanges(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Calls = append(f.Calls, "rollback")
	f.workspace = copyRecords(f.main)
	f.status = StatusSigned
	f.comment, f.reviewer = "", ""
	return nil
}

// Approve signs the pending change set, publishing the workspace.
func (f *Fake) Approve() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.main = copyRecords(f.workspace)
	f.status = StatusSigned
}

// Reject refuses the pending change set.
func (f *Fake) Reject(reviewer, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = StatusWorkInProgress
	f.reviewer = reviewer
	f.comment = reason
}

// Publish puts a record straight into main, as if changed out of band.
func (f *Fake) Publish(id string, payload json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspace[id] = append(json.RawMessage(nil), payload...)
	f.main[id] = append(json.RawMessage(nil), payload...)
}

// Unpublish removes a record from main and the workspace.
func (f *Fake) Unpublish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workspace, id)
	delete(f.main, id)
}

// Status returns the collection status.
func (f *Fake) Status() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// ResetCalls forgets recorded calls.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}
