package kinto

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"gorollout/serializer"
)

// Config locates the remote store.
type Config struct {
	URL             string        `mapstructure:"url"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	WorkspaceBucket string        `mapstructure:"workspace_bucket"`
	MainBucket      string        `mapstructure:"main_bucket"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	cfg        Config
	base       *url.URL
	collection string
	review     bool
	http       *http.Client
}

// NewHTTPClient returns a client for collection. Collections with review
// disabled ask for signing directly after each change.
func NewHTTPClient(cfg Config, collection string, review bool) (*HTTPClient, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing kinto url %q", cfg.URL)
	}
	if cfg.WorkspaceBucket == "" {
		cfg.WorkspaceBucket = "main-workspace"
	}
	if cfg.MainBucket == "" {
		cfg.MainBucket = "main"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		base:       base,
		collection: collection,
		review:     review,
		http:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Collection returns the collection name.
func (c *HTTPClient) Collection() string {
	return c.collection
}

func (c *HTTPClient) endpoint(bucket string, parts ...string) string {
	u := *c.base
	elems := append([]string{u.Path, "buckets", bucket, "collections", c.collection}, parts...)
	u.Path = path.Join(elems...)
	return u.String()
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body interface{}, header http.Header, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "reading %s: %v", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WithStack(&HTTPError{Method: method, URL: target, Status: resp.StatusCode, Body: string(payload)})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "decoding %s: %v", target, err)
	}
	return nil
}

// GetMainRecords returns the published records keyed by id.
func (c *HTTPClient) GetMainRecords(ctx context.Context) (map[string]json.RawMessage, error) {
	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.MainBucket, "records"), nil, nil, &resp); err != nil {
		return nil, err
	}
	records := make(map[string]json.RawMessage, len(resp.Data))
	for _, raw := range resp.Data {
		var meta struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, errors.Wrapf(ErrRemoteUnavailable, "decoding record: %v", err)
		}
		records[meta.ID] = raw
	}
	return records, nil
}

type collectionData struct {
	Status              string `json:"status"`
	LastReviewer        string `json:"last_reviewer,omitempty"`
	LastReviewerComment string `json:"last_reviewer_comment,omitempty"`
}

func (c *HTTPClient) collectionData(ctx context.Context) (*collectionData, error) {
	var resp struct {
		Data collectionData `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.WorkspaceBucket), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (c *HTTPClient) patchStatus(ctx context.Context, status string) error {
	body := map[string]interface{}{"data": collectionData{Status: status}}
	return c.do(ctx, http.MethodPatch, c.endpoint(c.cfg.WorkspaceBucket), body, nil, nil)
}

func (c *HTTPClient) requestPublish(ctx context.Context) error {
	status := StatusToReview
	if !c.review {
		status = StatusToSign
	}
	return c.patchStatus(ctx, status)
}

func (c *HTTPClient) putRecord(ctx context.Context, id string, payload json.RawMessage, header http.Header) error {
	body := envelope{Data: payload}
	if err := c.do(ctx, http.MethodPut, c.endpoint(c.cfg.WorkspaceBucket, "records", id), body, header, nil); err != nil {
		return err
	}
	return c.requestPublish(ctx)
}

// CreateRecord writes a new record and requests review. A record already in
// the workspace with the same content counts as created, so a push that
// landed before its commit failed can be retried.
func (c *HTTPClient) CreateRecord(ctx context.Context, id string, payload json.RawMessage) error {
	logger := log.WithFields(log.Fields{"collection": c.collection, "id": id})
	logger.Debug("creating record")
	err := c.putRecord(ctx, id, payload, http.Header{"If-None-Match": []string{"*"}})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusPreconditionFailed {
		return err
	}
	existing, getErr := c.workspaceRecord(ctx, id)
	if getErr != nil {
		return errors.Wrapf(err, "reading back %s: %v", id, getErr)
	}
	if !sameDocument(existing, payload) {
		return err
	}
	logger.Info("record already present, requesting review")
	return c.requestPublish(ctx)
}

func (c *HTTPClient) workspaceRecord(ctx context.Context, id string) (json.RawMessage, error) {
	var resp envelope
	if err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.WorkspaceBucket, "records", id), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func sameDocument(a, b json.RawMessage) bool {
	ca, err := serializer.Canonical(a)
	if err != nil {
		return false
	}
	cb, err := serializer.Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// UpdateRecord replaces a record and requests review.
func (c *HTTPClient) UpdateRecord(ctx context.Context, id string, payload json.RawMessage) error {
	log.WithFields(log.Fields{"collection": c.collection, "id": id}).Debug("updating record")
	return c.putRecord(ctx, id, payload, nil)
}

// DeleteRecord removes a record and requests review.
func (c *HTTPClient) DeleteRecord(ctx context.Context, id string) error {
	log.WithFields(log.Fields{"collection": c.collection, "id": id}).Debug("deleting record")
	if err := c.do(ctx, http.MethodDelete, c.endpoint(c.cfg.WorkspaceBucket, "records", id), nil, nil, nil); err != nil {
		return err
	}
	return c.requestPublish(ctx)
}

// HasPendingReview reports whether a change set awaits sign-off.
func (c *HTTPClient) HasPendingReview(ctx context.Context) (bool, error) {
	data, err := c.collectionData(ctx)
	if err != nil {
		return false, err
	}
	return data.Status == StatusToReview, nil
}

// HasRejection reports whether the last change set was refused.
func (c *HTTPClient) HasRejection(ctx context.Context) (bool, error) {
	data, err := c.collectionData(ctx)
	if err != nil {
		return false, err
	}
	return data.Status == StatusWorkInProgress, nil
}

// GetRejection returns the reviewer's refusal, or nil if there is none.
func (c *HTTPClient) GetRejection(ctx context.Context) (*Rejection, error) {
	data, err := c.collectionData(ctx)
	if err != nil {
		return nil, err
	}
	if data.Status != StatusWorkInProgress {
		return nil, nil
	}
	return &Rejection{Reason: data.LastReviewerComment, Reviewer: data.LastReviewer}, nil
}

// RollbackChanges discards unsigned workspace changes.
func (c *HTTPClient) RollbackChanges(ctx context.Context) error {
	return c.patchStatus(ctx, StatusToRollback)
}
