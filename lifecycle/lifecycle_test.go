package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorollout/models"
)

func init() {
	log.SetHandler(discard.Default)
}

var now = time.Date(2024, time.March, 4, 12, 0, 0, 0, time.UTC)

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to models.Status
		want     bool
	}{
		{models.StatusDraft, models.StatusPreview, true},
		{models.StatusDraft, models.StatusLive, true},
		{models.StatusDraft, models.StatusComplete, false},
		{models.StatusPreview, models.StatusDraft, true},
		{models.StatusPreview, models.StatusLive, true},
		{models.StatusLive, models.StatusLive, true},
		{models.StatusLive, models.StatusComplete, true},
		{models.StatusLive, models.StatusDraft, false},
		{models.StatusComplete, models.StatusLive, false},
		{models.StatusComplete, models.StatusDraft, false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
		// pure: asking twice gives the same answer
		assert.Equal(t, CanTransition(tc.from, tc.to), CanTransition(tc.from, tc.to))
	}
}

func TestLaunchWalk(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationDesktop)
	exp.IsPaused = true

	tr, err := BeginPublish(exp, models.StatusLive, now)
	require.NoError(t, err)
	assert.Equal(t, KindLaunch, tr.Kind)
	assert.Equal(t, models.PublishReview, exp.PublishStatus)
	assert.True(t, exp.NextIs(models.StatusLive))

	_, err = Approve(exp, now)
	require.NoError(t, err)
	_, err = Wait(exp, now)
	require.NoError(t, err)
	require.NotNil(t, exp.WaitingSince)

	tr, err = Complete(exp, now)
	require.NoError(t, err)
	assert.Equal(t, KindLaunch, tr.Kind)
	assert.Equal(t, models.StatusLive, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.Nil(t, exp.StatusNext)
	assert.Nil(t, exp.WaitingSince)
	assert.True(t, exp.IsPausedPublished)
	require.NotNil(t, exp.PublishedAt)
	assert.Equal(t, "Draft/Waiting/Live", tr.Old.String())
	assert.Equal(t, "Live/Idle/-", tr.New.String())
}

func TestBeginPublishWhileInFlight(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationDesktop)
	_, err := BeginPublish(exp, models.StatusLive, now)
	require.NoError(t, err)
	before := exp.Clone()

	_, err = BeginPublish(exp, models.StatusLive, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, before, exp)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "e1", te.Slug)
}

func TestIllegalMovesHaveNoSideEffects(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationDesktop)
	before := exp.Clone()

	_, err := BeginPublish(exp, models.StatusComplete, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = Approve(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = Wait(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = Complete(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = Reject(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = TimeOut(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	_, err = SetStatus(exp, models.StatusLive, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	assert.Equal(t, before, exp)
}

func TestRejectDraftClearsScheduledPublish(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationDesktop)
	scheduled := now.Add(time.Hour)
	exp.PublishedAt = &scheduled
	exp.IsPaused = true
	_, err := BeginPublish(exp, models.StatusLive, now)
	require.NoError(t, err)

	tr, err := Reject(exp, now)
	require.NoError(t, err)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)
	assert.Nil(t, exp.StatusNext)
	assert.Nil(t, exp.PublishedAt)
	assert.False(t, exp.IsPaused)
	assert.Equal(t, KindLaunch, tr.Kind)
}

func TestRejectRolloutUpdateMarksDirty(t *testing.T) {
	exp := models.NewExperiment("r1", models.ApplicationDesktop)
	exp.Status = models.StatusLive
	exp.IsRollout = true
	exp.IsPaused = true
	exp.PublishStatus = models.PublishWaiting
	exp.StatusNext = models.StatusPtr(models.StatusLive)

	_, err := Reject(exp, now)
	require.NoError(t, err)
	assert.True(t, exp.IsRolloutDirty)
	assert.True(t, exp.IsPaused)
	assert.Equal(t, models.StatusLive, exp.Status)
}

func TestCompleteUpdateAndEnd(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	exp.Status = models.StatusLive
	exp.IsRollout = true
	exp.IsRolloutDirty = true
	exp.IsPaused = true
	exp.PublishStatus = models.PublishWaiting
	exp.StatusNext = models.StatusPtr(models.StatusLive)

	tr, err := Complete(exp, now)
	require.NoError(t, err)
	assert.Equal(t, KindUpdate, tr.Kind)
	assert.False(t, exp.IsRolloutDirty)
	assert.True(t, exp.IsPausedPublished)

	exp.PublishStatus = models.PublishWaiting
	exp.StatusNext = models.StatusPtr(models.StatusComplete)
	tr, err = Complete(exp, now)
	require.NoError(t, err)
	assert.Equal(t, KindEnd, tr.Kind)
	assert.Equal(t, models.StatusComplete, exp.Status)
	require.NotNil(t, exp.EndedAt)
	assert.False(t, CanTransition(exp.Status, models.StatusLive))
}

func TestTimeOut(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	exp.StatusNext = models.StatusPtr(models.StatusLive)
	exp.PublishStatus = models.PublishApproved
	_, err := Wait(exp, now)
	require.NoError(t, err)

	assert.False(t, ShouldTimeOut(exp, time.Hour, now.Add(30*time.Minute)))
	assert.True(t, ShouldTimeOut(exp, time.Hour, now.Add(2*time.Hour)))

	_, err = TimeOut(exp, now)
	require.NoError(t, err)
	assert.Equal(t, models.PublishReview, exp.PublishStatus)
	assert.True(t, exp.NextIs(models.StatusLive))
	assert.False(t, ShouldTimeOut(exp, time.Hour, now.Add(2*time.Hour)))
}

func TestPreviewMoves(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	_, err := SetStatus(exp, models.StatusPreview, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreview, exp.Status)
	assert.Equal(t, models.PublishIdle, exp.PublishStatus)

	_, err = SetStatus(exp, models.StatusDraft, now)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, exp.Status)
}

func TestEndExternally(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	_, err := EndExternally(exp, now)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	exp.Status = models.StatusLive
	tr, err := EndExternally(exp, now)
	require.NoError(t, err)
	assert.Equal(t, KindEnd, tr.Kind)
	assert.Equal(t, models.StatusComplete, exp.Status)
}

func TestCanArchive(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	assert.True(t, CanArchive(exp))
	exp.PublishStatus = models.PublishReview
	assert.False(t, CanArchive(exp))
	exp.PublishStatus = models.PublishIdle
	exp.Status = models.StatusLive
	assert.False(t, CanArchive(exp))
}

type fakeRecorder struct {
	entries []*models.ChangeLog
	err     error
}

func (f *fakeRecorder) Append(_ context.Context, entry *models.ChangeLog) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func TestRecord(t *testing.T) {
	exp := models.NewExperiment("e1", models.ApplicationFenix)
	exp.PublishStatus = models.PublishWaiting
	exp.StatusNext = models.StatusPtr(models.StatusLive)
	tr, err := Reject(exp, now)
	require.NoError(t, err)

	rec := &fakeRecorder{}
	Record(context.Background(), rec, SystemActor, tr, "needs more branches")
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "needs more branches", rec.entries[0].Message)
	assert.Equal(t, SystemActor, rec.entries[0].ChangedBy)
	assert.Equal(t, models.PublishWaiting, rec.entries[0].Old.PublishStatus)
	assert.Equal(t, models.PublishIdle, rec.entries[0].New.PublishStatus)

	// failures are swallowed
	Record(context.Background(), &fakeRecorder{err: errors.New("db down")}, SystemActor, tr, "x")
}
