package reducer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/optimistic"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

type fakeRequestBuilder struct{}

func (fakeRequestBuilder) BuildIntentRequest(intent outbox.Intent, idemKey model.IdempotencyKey, token string) (*capability.HttpRequest, error) {
	return capability.NewHttpRequest(capability.MethodPost, "https://api.example.com/sync")
}

func (fakeRequestBuilder) BuildRefreshRequest(cursor, token string) (*capability.HttpRequest, error) {
	return capability.NewHttpRequest(capability.MethodGet, "https://api.example.com/cases")
}

func newTestReducer(t *testing.T) (*Reducer, context.Context) {
	t.Helper()
	engine := outbox.New(outbox.NewMemoryStorage(), outbox.DefaultConfig("w1"))
	ctrl := optimistic.New()
	return New(engine, ctrl, fakeRequestBuilder{}, nil), context.Background()
}

func seedClaimableCase(r *Reducer, id model.CaseId) *model.ServerCase {
	c := &model.ServerCase{ID: id, Status: model.CaseStatusPending, ReporterID: "reporter-1"}
	r.Model.Cases[id] = c
	return c
}

func TestLoginSetsSession(t *testing.T) {
	r, ctx := newTestReducer(t)
	effects, err := r.Process(ctx, model.Now(), Event{Kind: EventLoginSucceeded, UserID: "u1", Token: "tok"})
	require.NoError(t, err)
	assert.True(t, r.Model.Session.Authenticated)
	assert.Equal(t, model.UserId("u1"), r.Model.Session.UserID)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectTelemetryEvent, effects[0].Kind)
}

func TestLogoutResetsEverything(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "u1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")

	_, err = r.Process(ctx, now, Event{Kind: EventLogoutRequested})
	require.NoError(t, err)
	assert.False(t, r.Model.Session.Authenticated)
	assert.Empty(t, r.Model.Cases)
}

func TestClaimCaseAppliesOptimisticallyAndPushesOutbox(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")

	effects, err := r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusClaimed, r.Model.Cases["case-1"].Status)
	require.NotNil(t, r.Model.Cases["case-1"].AssignedRescuerID)
	assert.Equal(t, model.UserId("rescuer-1"), *r.Model.Cases["case-1"].AssignedRescuerID)
	assert.Equal(t, 1, r.optimistic.PendingClaimCount())
	require.Len(t, effects, 1)
	assert.Equal(t, EffectPersistStore, effects[0].Kind)
}

func TestClaimNonClaimableCaseIsRejectedWithToast(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	c := seedClaimableCase(r, "case-1")
	c.Status = model.CaseStatusClaimed

	_, err := r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, r.optimistic.PendingClaimCount())
	require.Len(t, r.Model.Toasts, 1)
	assert.Equal(t, ToastWarning, r.Model.Toasts[0].Severity)
}

func TestOutboxReplySuccessCommitsClaim(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	var opID model.OpId
	for id, corr := range r.correlations {
		if corr.isClaim {
			opID = id
		}
	}
	require.NotEmpty(t, opID)

	_, lease, err := r.outbox.AcquireLease(ctx, opID, now)
	require.NoError(t, err)

	serverCase := &model.ServerCase{ID: "case-1", Status: model.CaseStatusClaimed, ReporterID: "reporter-1"}
	_, err = r.Process(ctx, now, Event{
		Kind: EventOutboxReplyReceived, OpID: opID, LeaseToken: lease.Token,
		Success: true, HTTPStatus: 200, ServerCase: serverCase,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.optimistic.PendingClaimCount())
	assert.Equal(t, model.CaseStatusClaimed, r.Model.Cases["case-1"].Status)
	entry, ok := r.outbox.Get(opID)
	require.True(t, ok)
	assert.Equal(t, outbox.StateCompleted, entry.State.Kind)
}

func TestOutboxReplyConflictRollsBackClaim(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	var opID model.OpId
	for id, corr := range r.correlations {
		if corr.isClaim {
			opID = id
		}
	}
	_, lease, err := r.outbox.AcquireLease(ctx, opID, now)
	require.NoError(t, err)

	_, err = r.Process(ctx, now, Event{
		Kind: EventOutboxReplyReceived, OpID: opID, LeaseToken: lease.Token,
		Success: false, HTTPStatus: 409, ErrorMessage: "already claimed",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, r.optimistic.PendingClaimCount())
	assert.Equal(t, model.CaseStatusPending, r.Model.Cases["case-1"].Status)
	assert.Nil(t, r.Model.Cases["case-1"].AssignedRescuerID)

	entry, ok := r.outbox.Get(opID)
	require.True(t, ok)
	assert.Equal(t, outbox.StateDeadLetter, entry.State.Kind)

	require.NotEmpty(t, r.Model.Toasts)
	assert.Equal(t, ToastWarning, r.Model.Toasts[len(r.Model.Toasts)-1].Severity)
}

func TestOutboxReplyNonConflictClientErrorRollsBackWithErrorToast(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	var opID model.OpId
	for id, corr := range r.correlations {
		if corr.isClaim {
			opID = id
		}
	}
	_, lease, err := r.outbox.AcquireLease(ctx, opID, now)
	require.NoError(t, err)

	_, err = r.Process(ctx, now, Event{
		Kind: EventOutboxReplyReceived, OpID: opID, LeaseToken: lease.Token,
		Success: false, HTTPStatus: 403, ErrorMessage: "forbidden",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusPending, r.Model.Cases["case-1"].Status)

	require.NotEmpty(t, r.Model.Toasts)
	assert.Equal(t, ToastError, r.Model.Toasts[len(r.Model.Toasts)-1].Severity)
}

func TestOutboxReplyServerErrorLeavesOptimisticStateIntact(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	var opID model.OpId
	for id, corr := range r.correlations {
		if corr.isClaim {
			opID = id
		}
	}
	_, lease, err := r.outbox.AcquireLease(ctx, opID, now)
	require.NoError(t, err)

	_, err = r.Process(ctx, now, Event{
		Kind: EventOutboxReplyReceived, OpID: opID, LeaseToken: lease.Token,
		Success: false, HTTPStatus: 503, ErrorMessage: "unavailable",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.optimistic.PendingClaimCount())
	assert.Equal(t, model.CaseStatusClaimed, r.Model.Cases["case-1"].Status)

	entry, ok := r.outbox.Get(opID)
	require.True(t, ok)
	assert.Equal(t, outbox.StateRetrying, entry.State.Kind)
}

func TestTimerTickExpiresStaleMutationAndToast(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	future := now.Add(31 * time.Second)
	_, err = r.Process(ctx, future, Event{Kind: EventTimerTick, Now: future})
	require.NoError(t, err)

	assert.Equal(t, 0, r.optimistic.PendingClaimCount())
	assert.Equal(t, model.CaseStatusPending, r.Model.Cases["case-1"].Status)
	require.NotEmpty(t, r.Model.Toasts)
}

func TestCreateCaseRequestedOfflineStaysPendingUpload(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	loc, err := model.NewLatLon(37.7, -122.4)
	require.NoError(t, err)
	desc := model.NormalizeOptionalText("bleeding ankle")

	effects, err := r.Process(ctx, now, Event{Kind: EventCreateCaseRequested, Location: loc, Description: desc})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectPersistStore, effects[0].Kind)

	require.Len(t, r.Model.LocalCases, 1)
	for _, lc := range r.Model.LocalCases {
		assert.Equal(t, model.LocalCaseStatusPendingUpload, lc.Status)
	}

	require.Len(t, r.correlations, 1)
	for opID := range r.correlations {
		entry, ok := r.outbox.Get(opID)
		require.True(t, ok)
		assert.Equal(t, outbox.StatePending, entry.State.Kind)
	}
}

func TestCreateCaseRequestedOnlineMarksUploading(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventNetworkStatusChanged, Online: true})
	require.NoError(t, err)
	loc, err := model.NewLatLon(37.7, -122.4)
	require.NoError(t, err)
	desc := model.NormalizeOptionalText("bleeding ankle")

	_, err = r.Process(ctx, now, Event{Kind: EventCreateCaseRequested, Location: loc, Description: desc})
	require.NoError(t, err)

	require.Len(t, r.Model.LocalCases, 1)
	for _, lc := range r.Model.LocalCases {
		assert.Equal(t, model.LocalCaseStatusUploading, lc.Status)
	}
}

func TestNetworkComingOnlinePollsDueEntriesAndRefreshes(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	_, err := r.Process(ctx, now, Event{Kind: EventLoginSucceeded, UserID: "rescuer-1", Token: "tok"})
	require.NoError(t, err)
	seedClaimableCase(r, "case-1")
	_, err = r.Process(ctx, now, Event{Kind: EventClaimCaseRequested, CaseID: "case-1"})
	require.NoError(t, err)

	effects, err := r.Process(ctx, now, Event{Kind: EventNetworkStatusChanged, Online: true})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(effects), 1)
	foundRefresh := false
	for _, e := range effects {
		if e.Kind == EffectHTTPRequest && e.Request.Method == capability.MethodGet {
			foundRefresh = true
		}
	}
	assert.True(t, foundRefresh)
}

func TestDismissToastRemovesIt(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	r.Model.pushToast(ToastInfo, "hello", now)
	id := r.Model.Toasts[0].ID

	_, err := r.Process(ctx, now, Event{Kind: EventDismissToast, ToastID: id})
	require.NoError(t, err)
	assert.Empty(t, r.Model.Toasts)
}

func TestRetryFailedRequestedResurrectsLocalCases(t *testing.T) {
	r, ctx := newTestReducer(t)
	now := model.Now()
	loc, _ := model.NewLatLon(1, 1)
	local := model.NewLocalCase("local-1", loc, nil, nil)
	local.MarkFailed("network down")
	r.Model.LocalCases["local-1"] = local

	_, err := r.Process(ctx, now, Event{Kind: EventRetryFailedRequested})
	require.NoError(t, err)
	assert.Equal(t, model.LocalCaseStatusPendingUpload, r.Model.LocalCases["local-1"].Status)
}
