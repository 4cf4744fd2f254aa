package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorollout/buckets"
	"gorollout/kinto"
	"gorollout/lifecycle"
	"gorollout/metrics"
	"gorollout/models"
	"gorollout/serializer"
	"gorollout/store"
)

func init() {
	log.SetHandler(discard.Default)
}

type fixture struct {
	store  *store.Memory
	client *kinto.Fake
	reg    *prometheus.Registry
	broker *Broker
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		client: kinto.NewFake("nimbus-desktop-experiments", true),
		reg:    prometheus.NewRegistry(),
		now:    time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC),
	}
	m := metrics.New("test", f.reg)
	f.broker = f.newBroker(t, f.client, m)
	return f
}

func (f *fixture) newBroker(t *testing.T, client kinto.Client, m *metrics.Metrics) *Broker {
	t.Helper()
	b, err := New([]models.Application{models.ApplicationDesktop}, Deps{
		Client:    client,
		Store:     f.store,
		Recorder:  f.store,
		Allocator: buckets.New(f.store),
		Metrics:   m,
	}, WithReviewTimeout(time.Hour), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return b
}

func (f *fixture) pass(t *testing.T) Outcome {
	t.Helper()
	out, err := f.broker.Reconcile(context.Background())
	require.NoError(t, err)
	return out
}

func (f *fixture) get(t *testing.T, slug string) *models.Experiment {
	t.Helper()
	exp, err := f.store.Get(context.Background(), slug)
	require.NoError(t, err)
	return exp
}

func (f *fixture) messages(t *testing.T, slug string) []string {
	t.Helper()
	entries, err := f.store.ListChangeLogs(context.Background(), slug)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

// request moves slug to publish target and approves it.
func (f *fixture) request(t *testing.T, exp *models.Experiment, target models.Status) {
	t.Helper()
	_, err := lifecycle.BeginPublish(exp, target, f.now)
	require.NoError(t, err)
	_, err = lifecycle.Approve(exp, f.now)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), exp))
}

func (f *fixture) approvedLaunch(t *testing.T, slug string) *models.Experiment {
	t.Helper()
	exp := models.NewExperiment(slug, models.ApplicationDesktop)
	exp.PopulationPercent = 10
	exp.FeatureIDs = []string{"homepage"}
	f.request(t, exp, models.StatusLive)
	return exp
}

// live stores a running experiment whose record is already published.
func (f *fixture) live(t *testing.T, slug string) *models.Experiment {
	t.Helper()
	exp := models.NewExperiment(slug, models.ApplicationDesktop)
	exp.Status = models.StatusLive
	exp.PopulationPercent = 10
	exp.PublishedAt = &f.now
	dto, err := serializer.Serialize(exp)
	require.NoError(t, err)
	exp.PublishedDTO = dto
	f.client.Publish(slug, dto)
	require.NoError(t, f.store.Save(context.Background(), exp))
	return exp
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New([]models.Application{models.ApplicationDesktop}, Deps{})
	assert.Error(t, err)

	_, err = New(nil, Deps{
		Client:    kinto.NewFake("c", true),
		Store:     store.NewMemory(),
		Allocator: buckets.New(store.NewMemory()),
	})
	assert.Error(t, err)
}

func TestLaunch(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")

	out := f.pass(t)
	assert.Equal(t, OutcomeAdvanced, out.Kind)
	assert.Equal(t, "e1", out.Slug)
	assert.Equal(t, ActionLaunch, out.Action)
	assert.Equal(t, []string{"create:e1"}, f.client.Calls)

	exp := f.get(t, "e1")
	assert.Equal(t, models.PublishWaiting, exp.PublishStatus)
	require.NotNil(t, exp.WaitingSince)
	require.NotNil(t, exp.Bucket)
	assert.Equal(t, 0, exp.Bucket.Start)
	assert.Equal(t, 1000, exp.Bucket.Count)
	assert.Equal(t, "e1-1", exp.Bucket.Group.Namespace())

	// Still under review: nothing moves.
	f.client.ResetCalls()
	out = f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Equal(t, "review pending", out.Reason)
	assert.Empty(t, f.client.Calls)

	f.client.Approve()
	out = f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Equal(t, []string{"e1"}, out.Reconciled)

	exp = f.get(t, "e1")
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.Nil(t, exp.StatusNext)
	assert.NotNil(t, exp.PublishedAt)
	assert.NotEmpty(t, exp.PublishedDTO)

	assert.Len(t, f.messages(t, "e1"), 3)
	assert.Equal(t, MessageLaunched, f.messages(t, "e1")[2])
	series, err := testutil.GatherAndCount(f.reg, "test_broker_pushes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

func TestOnePushPerPass(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "b")
	f.approvedLaunch(t, "a")

	out := f.pass(t)
	assert.Equal(t, "a", out.Slug)
	assert.Equal(t, []string{"create:a"}, f.client.Calls)
	assert.Equal(t, models.PublishApproved, f.get(t, "b").PublishStatus)

	f.client.Approve()
	f.client.ResetCalls()
	out = f.pass(t)
	assert.Equal(t, []string{"a"}, out.Reconciled)
	assert.Equal(t, OutcomeAdvanced, out.Kind)
	assert.Equal(t, "b", out.Slug)
	assert.Equal(t, []string{"create:b"}, f.client.Calls)

	// Ranges are appended in push order.
	assert.Equal(t, 0, f.get(t, "a").Bucket.Start)
	assert.Equal(t, "b-1", f.get(t, "b").Bucket.Group.Namespace())
}

func TestPriority(t *testing.T) {
	f := newFixture(t)
	updating := f.live(t, "a-update")
	updating.IsPaused = true
	f.request(t, updating, models.StatusLive)
	ending := f.live(t, "b-end")
	f.request(t, ending, models.StatusComplete)
	f.approvedLaunch(t, "c-launch")

	out := f.pass(t)
	assert.Equal(t, "c-launch", out.Slug)
	f.client.Approve()

	out = f.pass(t)
	assert.Equal(t, "b-end", out.Slug)
	assert.Equal(t, ActionEnd, out.Action)
	f.client.Approve()

	out = f.pass(t)
	assert.Equal(t, "a-update", out.Slug)
	assert.Equal(t, ActionUpdate, out.Action)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	exp := f.live(t, "e1")
	exp.IsPaused = true
	f.request(t, exp, models.StatusLive)

	out := f.pass(t)
	assert.Equal(t, ActionUpdate, out.Action)
	assert.Equal(t, []string{"update:e1"}, f.client.Calls)

	f.client.Approve()
	out = f.pass(t)
	assert.Equal(t, []string{"e1"}, out.Reconciled)

	exp = f.get(t, "e1")
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.True(t, exp.IsPausedPublished)
	assert.Contains(t, string(exp.PublishedDTO), `"isEnrollmentPaused":true`)
	assert.Equal(t, MessageUpdated, f.messages(t, "e1")[1])
}

func TestEnd(t *testing.T) {
	f := newFixture(t)
	exp := f.live(t, "e1")
	f.request(t, exp, models.StatusComplete)

	out := f.pass(t)
	assert.Equal(t, ActionEnd, out.Action)
	assert.Equal(t, []string{"delete:e1"}, f.client.Calls)
	assert.Equal(t, models.StatusLive, f.get(t, "e1").Status)

	f.client.Approve()
	out = f.pass(t)
	assert.Equal(t, []string{"e1"}, out.Reconciled)

	exp = f.get(t, "e1")
	assert.Equal(t, models.StatusComplete, exp.Status)
	assert.NotNil(t, exp.EndedAt)
	assert.True(t, lifecycle.CanArchive(exp))
}

func TestRejection(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")
	f.pass(t)

	f.client.Reject("reviewer@example.com", "targeting is too broad")
	f.client.ResetCalls()
	out := f.pass(t)
	assert.Equal(t, OutcomeRolledBack, out.Kind)
	assert.Equal(t, "e1", out.Slug)
	assert.Equal(t, []string{"rollback"}, f.client.Calls)
	assert.Equal(t, kinto.StatusSigned, f.client.Status())

	exp := f.get(t, "e1")
	assert.Equal(t, models.StatusDraft, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.Nil(t, exp.StatusNext)
	assert.Nil(t, exp.PublishedAt)

	var rejections int
	for _, m := range f.messages(t, "e1") {
		if m == "targeting is too broad" {
			rejections++
		}
	}
	assert.Equal(t, 1, rejections)

	// Idle again, so the next pass has nothing to push.
	f.client.ResetCalls()
	out = f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Empty(t, f.client.Calls)
}

func TestRejectedRolloutUpdateStaysDirty(t *testing.T) {
	f := newFixture(t)
	exp := f.live(t, "rollout")
	exp.IsRollout = true
	exp.IsPaused = true
	f.request(t, exp, models.StatusLive)
	f.pass(t)

	f.client.Reject("reviewer@example.com", "not yet")
	out := f.pass(t)
	assert.Equal(t, OutcomeRolledBack, out.Kind)

	exp = f.get(t, "rollout")
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.True(t, exp.IsRolloutDirty)
	assert.True(t, exp.IsPaused)
}

func TestRejectionWithoutWaitingExperiment(t *testing.T) {
	f := newFixture(t)
	f.client.Reject("reviewer@example.com", "stray")

	out := f.pass(t)
	assert.Equal(t, OutcomeRolledBack, out.Kind)
	assert.Empty(t, out.Slug)
	assert.Equal(t, []string{"rollback"}, f.client.Calls)
}

func TestReviewTimeout(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")
	f.pass(t)

	f.now = f.now.Add(30 * time.Minute)
	out := f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)

	f.now = f.now.Add(2 * time.Hour)
	f.client.ResetCalls()
	out = f.pass(t)
	assert.Equal(t, OutcomeRolledBack, out.Kind)
	assert.Equal(t, "review timed out", out.Reason)
	assert.Equal(t, []string{"rollback"}, f.client.Calls)

	exp := f.get(t, "e1")
	assert.Equal(t, models.PublishReview, exp.PublishStatus)
	assert.Nil(t, exp.WaitingSince)
	assert.True(t, exp.NextIs(models.StatusLive))
	assert.Contains(t, f.messages(t, "e1"), MessageTimedOut)
}

func TestEndedExternally(t *testing.T) {
	f := newFixture(t)
	f.live(t, "e1")
	f.client.Unpublish("e1")

	out := f.pass(t)
	assert.Equal(t, []string{"e1"}, out.Reconciled)
	exp := f.get(t, "e1")
	assert.Equal(t, models.StatusComplete, exp.Status)
	assert.NotNil(t, exp.EndedAt)
	assert.Equal(t, []string{MessageEndedExternally}, f.messages(t, "e1"))
}

func TestPublishedRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	before := f.live(t, "e1")

	out := f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Empty(t, out.Reconciled)
	assert.Empty(t, f.messages(t, "e1"))
	assert.Equal(t, before.State(), f.get(t, "e1").State())
}

func TestStalePublishedRecord(t *testing.T) {
	f := newFixture(t)
	f.live(t, "e1")
	drifted := json.RawMessage(`{"id":"e1","slug":"e1","last_modified":1700000000,"userFacingName":"renamed"}`)
	f.client.Publish("e1", drifted)

	out := f.pass(t)
	assert.Empty(t, out.Reconciled)

	exp := f.get(t, "e1")
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.JSONEq(t, `{"id":"e1","slug":"e1","userFacingName":"renamed"}`, string(exp.PublishedDTO))
	assert.Equal(t, []string{MessageRefreshed}, f.messages(t, "e1"))
	series, err := testutil.GatherAndCount(f.reg, "test_broker_stale_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
}

type failingCreate struct {
	*kinto.Fake
}

func (failingCreate) CreateRecord(context.Context, string, json.RawMessage) error {
	return errors.WithStack(&kinto.HTTPError{Method: "PUT", URL: "/records/e1", Status: 503})
}

func TestPushErrorSurfaced(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")
	b := f.newBroker(t, failingCreate{f.client}, nil)

	_, err := b.Reconcile(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, kinto.ErrRemoteUnavailable))

	// Left approved so the next pass retries the same experiment.
	exp := f.get(t, "e1")
	assert.Equal(t, models.PublishApproved, exp.PublishStatus)
	assert.NotNil(t, exp.Bucket)

	out := f.pass(t)
	assert.Equal(t, "e1", out.Slug)
	assert.Equal(t, 0, f.get(t, "e1").Bucket.Start)
}

// failingSave drops the first save of a pushed experiment.
type failingSave struct {
	*store.Memory
	failures int
}

func (s *failingSave) Save(ctx context.Context, exp *models.Experiment) error {
	if s.failures > 0 && exp.PublishStatus == models.PublishWaiting {
		s.failures--
		return errors.New("connection reset by peer")
	}
	return s.Memory.Save(ctx, exp)
}

func (f *fixture) brokerWithFailingSave(t *testing.T) *Broker {
	t.Helper()
	b, err := New([]models.Application{models.ApplicationDesktop}, Deps{
		Client:    f.client,
		Store:     &failingSave{Memory: f.store, failures: 1},
		Recorder:  f.store,
		Allocator: buckets.New(f.store),
	}, WithReviewTimeout(time.Hour), WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	return b
}

func TestLaunchPublishedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")

	_, err := f.brokerWithFailingSave(t).Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"create:e1"}, f.client.Calls)
	assert.Equal(t, models.PublishApproved, f.get(t, "e1").PublishStatus)

	f.client.ResetCalls()
	out := f.pass(t)
	assert.Equal(t, "review pending", out.Reason)
	assert.Empty(t, f.client.Calls)

	f.client.Approve()
	out = f.pass(t)
	assert.Equal(t, OutcomeNoOp, out.Kind)
	assert.Equal(t, []string{"e1"}, out.Reconciled)
	assert.Empty(t, f.client.Calls)

	exp := f.get(t, "e1")
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.Nil(t, exp.WaitingSince)
	assert.NotNil(t, exp.PublishedAt)
	assert.NotEmpty(t, exp.PublishedDTO)
	msgs := f.messages(t, "e1")
	assert.Equal(t, MessageLaunched, msgs[len(msgs)-1])

	out = f.pass(t)
	assert.Empty(t, out.Reconciled)
	assert.Empty(t, f.client.Calls)
}

func TestLaunchRetriedAfterRejectedUncommittedPush(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")
	_, err := f.brokerWithFailingSave(t).Reconcile(context.Background())
	require.Error(t, err)

	f.client.Reject("reviewer@example.com", "wrong branch")
	out := f.pass(t)
	assert.Equal(t, OutcomeRolledBack, out.Kind)

	f.client.ResetCalls()
	out = f.pass(t)
	assert.Equal(t, OutcomeAdvanced, out.Kind)
	assert.Equal(t, "e1", out.Slug)
	assert.Equal(t, []string{"create:e1"}, f.client.Calls)
	assert.Equal(t, models.PublishWaiting, f.get(t, "e1").PublishStatus)
}

func TestEndPublishedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	exp := f.live(t, "e1")
	f.request(t, exp, models.StatusComplete)

	_, err := f.brokerWithFailingSave(t).Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"delete:e1"}, f.client.Calls)

	f.client.Approve()
	f.client.ResetCalls()
	out := f.pass(t)
	assert.Equal(t, []string{"e1"}, out.Reconciled)
	assert.Empty(t, f.client.Calls)

	exp = f.get(t, "e1")
	assert.Equal(t, models.StatusComplete, exp.Status)
	assert.NotNil(t, exp.EndedAt)
	assert.Contains(t, f.messages(t, "e1"), MessageEnded)
}

func TestRolloutResizeReallocates(t *testing.T) {
	f := newFixture(t)
	exp := models.NewExperiment("rollout", models.ApplicationDesktop)
	exp.IsRollout = true
	exp.PopulationPercent = 10
	exp.FeatureIDs = []string{"homepage"}
	f.request(t, exp, models.StatusLive)
	f.pass(t)
	f.client.Approve()
	f.pass(t)

	exp = f.get(t, "rollout")
	require.NotNil(t, exp.Bucket)
	assert.Equal(t, 1000, exp.Bucket.Count)

	exp.PopulationPercent = 50
	exp.IsRolloutDirty = true
	f.request(t, exp, models.StatusLive)
	f.client.ResetCalls()
	out := f.pass(t)
	assert.Equal(t, ActionUpdate, out.Action)
	assert.Equal(t, []string{"update:rollout"}, f.client.Calls)

	exp = f.get(t, "rollout")
	require.NotNil(t, exp.Bucket)
	assert.Equal(t, 1000, exp.Bucket.Start)
	assert.Equal(t, 5000, exp.Bucket.Count)
	assert.Equal(t, "firefox-desktop-homepage-rollout-1", exp.Bucket.Group.Namespace())

	f.client.Approve()
	out = f.pass(t)
	assert.Equal(t, []string{"rollout"}, out.Reconciled)
	assert.Contains(t, string(f.get(t, "rollout").PublishedDTO), `"count":5000`)
}

func TestRemoteUnavailableBeforePush(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")
	f.client.Err = errors.WithStack(kinto.ErrRemoteUnavailable)

	_, err := f.broker.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.PublishApproved, f.get(t, "e1").PublishStatus)
}

func TestRun(t *testing.T) {
	f := newFixture(t)
	f.approvedLaunch(t, "e1")

	assert.Equal(t, "reconcile:nimbus-desktop-experiments", f.broker.Name())
	summary, err := f.broker.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nimbus-desktop-experiments: launch e1", summary)
}
