package reducer

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/optimistic"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// pushRefreshRadiusMeters bounds how close a push-payload's case must be to
// any case already known locally before a refresh is considered "in-area".
// The original client's push handler used the same haversine-based check
// without naming a constant for the radius; 5km matches a reasonable
// field-triage radius and is documented here as a judgment call.
const pushRefreshRadiusMeters = 5_000

// RequestBuilder maps an outbox intent to the concrete HTTP request that
// carries it, keeping the reducer decoupled from the host's API shape (URL
// scheme, path conventions, auth header placement).
type RequestBuilder interface {
	BuildIntentRequest(intent outbox.Intent, idempotencyKey model.IdempotencyKey, bearerToken string) (*capability.HttpRequest, error)
	BuildRefreshRequest(cursor string, bearerToken string) (*capability.HttpRequest, error)
}

// correlation tracks which case or local case an in-flight outbox op
// belongs to, so an OutboxReplyReceived event can be reconciled without the
// host needing to echo anything beyond the op id.
type correlation struct {
	caseID      model.CaseId
	localCaseID model.LocalOpId
	isClaim     bool
	mutationID  optimistic.MutationID
}

// Reducer is the single-threaded event processor described in the
// synchronization core's concurrency model: one event is fully processed
// before the next begins, and no lock is held across a capability call.
type Reducer struct {
	Model      *Model
	outbox     *outbox.Engine
	optimistic *optimistic.Controller
	requests   RequestBuilder
	telemetry  capability.TelemetryPort

	correlations map[model.OpId]correlation
}

// New constructs a Reducer wired to the given outbox engine, optimistic
// controller, request builder, and telemetry sink.
func New(engine *outbox.Engine, ctrl *optimistic.Controller, requests RequestBuilder, telemetry capability.TelemetryPort) *Reducer {
	return &Reducer{
		Model:        NewModel(),
		outbox:       engine,
		optimistic:   ctrl,
		requests:     requests,
		telemetry:    telemetry,
		correlations: make(map[model.OpId]correlation),
	}
}

func newOpID() model.OpId {
	var b [16]byte
	_, _ = rand.Read(b[:])
	id, _ := model.NewOpId(fmt.Sprintf("op-%x", b))
	return id
}

func newLocalOpID() model.LocalOpId {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return model.LocalOpId(fmt.Sprintf("local-%x", b))
}

// Process applies one event to the model and returns the capability effects
// the host must dispatch. It never retains ctx past the call. Outbox calls
// made here persist through the engine's Storage port; the offline-store
// snapshot is left to the host, which is sent an EffectPersistStore after
// the create/claim/transition and outbox-reply flows.
func (r *Reducer) Process(ctx context.Context, now model.UnixTimeMs, ev Event) ([]Effect, error) {
	switch ev.Kind {
	case EventLoginSucceeded:
		return r.handleLoginSucceeded(ev)
	case EventLogoutRequested:
		return r.handleLogoutRequested()
	case EventTokenRefreshRequired:
		return r.handleTokenRefreshRequired(now)
	case EventTokenRefreshSucceeded:
		r.Model.Session.Token = ev.Token
		return nil, nil
	case EventTokenRefreshFailed:
		return r.handleTokenRefreshFailed(now)
	case EventLocationPermissionChanged:
		r.Model.LocationPermission = ev.Permission
		return nil, nil
	case EventCameraPermissionChanged:
		r.Model.CameraPermission = ev.Permission
		return nil, nil
	case EventOnboardingCompleted:
		r.Model.OnboardingComplete = true
		return nil, nil
	case EventNetworkStatusChanged:
		return r.handleNetworkStatusChanged(ctx, ev, now)
	case EventCreateCaseRequested:
		return r.handleCreateCaseRequested(ctx, ev, now)
	case EventClaimCaseRequested:
		return r.handleClaimCaseRequested(ctx, ev, now)
	case EventTransitionCaseRequested:
		return r.handleTransitionCaseRequested(ctx, ev, now)
	case EventRefreshRequested:
		req, err := r.requests.BuildRefreshRequest("", r.Model.Session.Token)
		if err != nil {
			return nil, err
		}
		return []Effect{{Kind: EffectHTTPRequest, Request: req}}, nil
	case EventLoadMoreRequested:
		req, err := r.requests.BuildRefreshRequest(r.Model.PageCursor, r.Model.Session.Token)
		if err != nil {
			return nil, err
		}
		return []Effect{{Kind: EffectHTTPRequest, Request: req}}, nil
	case EventCasesLoaded:
		for i := range ev.LoadedCases {
			c := ev.LoadedCases[i]
			r.Model.Cases[c.ID] = &c
		}
		r.Model.PageCursor = ev.NextCursor
		return nil, nil
	case EventPushPayloadReceived:
		return r.handlePushPayloadReceived(ev)
	case EventPersistenceSucceeded:
		r.emitTelemetry("persistence_succeeded", nil)
		return nil, nil
	case EventPersistenceFailed:
		r.Model.pushToast(ToastError, "Failed to save changes locally", now)
		r.emitTelemetryErr("persistence_failed", ev.PersistErr)
		return nil, nil
	case EventOutboxReplyReceived:
		return r.handleOutboxReplyReceived(ctx, ev, now)
	case EventDismissToast:
		r.Model.DismissToast(ev.ToastID)
		return nil, nil
	case EventTimerTick:
		return r.handleTimerTick(ctx, ev, now)
	case EventRetryFailedRequested:
		return r.handleRetryFailedRequested(ctx, now)
	default:
		return nil, fmt.Errorf("reducer: unhandled event kind %d", ev.Kind)
	}
}

func (r *Reducer) handleLoginSucceeded(ev Event) ([]Effect, error) {
	r.Model.Session = Session{UserID: ev.UserID, Token: ev.Token, Authenticated: true}
	return []Effect{r.telemetryEffect("login_succeeded", nil)}, nil
}

func (r *Reducer) handleLogoutRequested() ([]Effect, error) {
	r.optimistic.Reset()
	r.correlations = make(map[model.OpId]correlation)
	r.Model.Session = Session{}
	r.Model.Cases = make(map[model.CaseId]*model.ServerCase)
	r.Model.LocalCases = make(map[model.LocalOpId]*model.LocalCase)
	r.Model.Toasts = nil
	return []Effect{r.telemetryEffect("logout", nil)}, nil
}

func (r *Reducer) handleTokenRefreshRequired(now model.UnixTimeMs) ([]Effect, error) {
	r.Model.pushToast(ToastWarning, "Reconnecting your session...", now)
	return []Effect{r.telemetryEffect("token_refresh_required", nil)}, nil
}

func (r *Reducer) handleTokenRefreshFailed(now model.UnixTimeMs) ([]Effect, error) {
	r.Model.Session.Authenticated = false
	r.Model.pushToast(ToastError, "Your session expired. Please sign in again.", now)
	return []Effect{r.telemetryEffect("token_refresh_failed", nil)}, nil
}

func (r *Reducer) handleNetworkStatusChanged(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	wasOnline := r.Model.Online
	r.Model.Online = ev.Online
	if wasOnline || !ev.Online {
		return nil, nil
	}
	effects, err := r.pollDueOutboxEntries(ctx, now)
	if err != nil {
		return nil, err
	}
	refreshReq, err := r.requests.BuildRefreshRequest("", r.Model.Session.Token)
	if err != nil {
		return nil, err
	}
	effects = append(effects, Effect{Kind: EffectHTTPRequest, Request: refreshReq})
	return effects, nil
}

// pollDueOutboxEntries acquires a lease on every due entry and builds its
// HTTP effect, matching the flush-on-reconnect step of the write data flow.
func (r *Reducer) pollDueOutboxEntries(ctx context.Context, now model.UnixTimeMs) ([]Effect, error) {
	const maxPerPoll = 25
	due := r.outbox.GetDueEntries(now, maxPerPoll)
	effects := make([]Effect, 0, len(due))
	for _, entry := range due {
		leased, lease, err := r.outbox.AcquireLease(ctx, entry.OpID, now)
		if err != nil {
			continue
		}
		req, err := r.requests.BuildIntentRequest(leased.Intent, leased.IdempotencyKey, r.Model.Session.Token)
		if err != nil {
			continue
		}
		effects = append(effects, Effect{Kind: EffectHTTPRequest, OpID: leased.OpID, LeaseToken: lease.Token, Request: req})
	}
	return effects, nil
}

func (r *Reducer) handleCreateCaseRequested(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	localID := newLocalOpID()
	local := model.NewLocalCase(localID, ev.Location, ev.Description, ev.Severity)
	local.PhotoData = ev.PhotoData
	r.Model.LocalCases[localID] = local

	opID := newOpID()
	idemKey, _ := model.NewIdempotencyKey(string(opID))
	hasPhoto := len(ev.PhotoData) > 0
	intent := outbox.NewCreateCaseIntent(localID, ev.Location, ev.Description, ev.LandmarkHint, ev.Severity, hasPhoto)
	entry := outbox.Entry{
		OpID:           opID,
		IdempotencyKey: idemKey,
		Intent:         intent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(7 * 24 * time.Hour),
		State:          outbox.EntryState{Kind: outbox.StatePending},
		Priority:       0,
	}
	if err := r.outbox.Push(ctx, entry); err != nil {
		local.MarkPermanentlyFailed(err.Error())
		return nil, err
	}
	r.correlations[opID] = correlation{localCaseID: localID}
	if r.Model.Online {
		local.MarkUploading()
	}
	return []Effect{{Kind: EffectPersistStore}}, nil
}

func (r *Reducer) handleClaimCaseRequested(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	existing, ok := r.Model.Cases[ev.CaseID]
	if !ok {
		return nil, fmt.Errorf("reducer: claim requested for unknown case %s", ev.CaseID)
	}
	if !existing.Status.IsClaimable() {
		r.Model.pushToast(ToastWarning, "This case is no longer available to claim", now)
		return nil, nil
	}

	claim, err := r.optimistic.BeginClaim(ev.CaseID, existing.Status, existing.AssignedRescuerID)
	if err != nil {
		return nil, err
	}

	existing.Status = model.CaseStatusClaimed
	existing.AssignedRescuerID = &r.Model.Session.UserID

	opID := newOpID()
	intent := outbox.NewClaimCaseIntent(ev.CaseID)
	entry := outbox.Entry{
		OpID:           opID,
		IdempotencyKey: claim.IdempotencyKey,
		Intent:         intent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(7 * 24 * time.Hour),
		State:          outbox.EntryState{Kind: outbox.StatePending},
		Priority:       10,
	}
	if err := r.outbox.Push(ctx, entry); err != nil {
		_, _ = r.optimistic.ResolveClaim(ev.CaseID)
		existing.Status = claim.OriginalStatus
		existing.AssignedRescuerID = claim.OriginalAssignee
		return nil, err
	}
	r.correlations[opID] = correlation{caseID: ev.CaseID, isClaim: true, mutationID: claim.MutationID}
	return []Effect{{Kind: EffectPersistStore}}, nil
}

func (r *Reducer) handleTransitionCaseRequested(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	existing, ok := r.Model.Cases[ev.CaseID]
	if !ok {
		return nil, fmt.Errorf("reducer: transition requested for unknown case %s", ev.CaseID)
	}
	if err := existing.Status.ValidateTransition(ev.NewStatus); err != nil {
		r.Model.pushToast(ToastWarning, err.Error(), now)
		return nil, nil
	}

	m := r.optimistic.BeginMutation(ev.CaseID, existing.Status, existing.AssignedRescuerID, ev.NewStatus)
	originalStatus := existing.Status
	existing.Status = ev.NewStatus

	opID := newOpID()
	idemKey, _ := model.NewIdempotencyKey(string(m.MutationID))
	intent := outbox.NewTransitionCaseIntent(ev.CaseID, ev.NewStatus, ev.Notes, nil)
	entry := outbox.Entry{
		OpID:           opID,
		IdempotencyKey: idemKey,
		Intent:         intent,
		CreatedAt:      now,
		ExpiresAt:      now.Add(7 * 24 * time.Hour),
		State:          outbox.EntryState{Kind: outbox.StatePending},
		Priority:       10,
	}
	if err := r.outbox.Push(ctx, entry); err != nil {
		_, _ = r.optimistic.ResolveMutation(m.MutationID)
		existing.Status = originalStatus
		return nil, err
	}
	r.correlations[opID] = correlation{caseID: ev.CaseID, mutationID: m.MutationID}
	return []Effect{{Kind: EffectPersistStore}}, nil
}

func (r *Reducer) handlePushPayloadReceived(ev Event) ([]Effect, error) {
	if ev.PushLocation == nil {
		req, err := r.requests.BuildRefreshRequest("", r.Model.Session.Token)
		if err != nil {
			return nil, err
		}
		return []Effect{{Kind: EffectHTTPRequest, Request: req}}, nil
	}
	for _, c := range r.Model.Cases {
		if model.HaversineDistance(c.Location, *ev.PushLocation) <= pushRefreshRadiusMeters {
			req, err := r.requests.BuildRefreshRequest("", r.Model.Session.Token)
			if err != nil {
				return nil, err
			}
			return []Effect{{Kind: EffectHTTPRequest, Request: req}}, nil
		}
	}
	return nil, nil
}

func (r *Reducer) handleOutboxReplyReceived(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	corr, known := r.correlations[ev.OpID]

	if ev.Success {
		if err := r.outbox.Complete(ctx, ev.OpID, ev.LeaseToken, now); err != nil {
			return nil, err
		}
		if known {
			delete(r.correlations, ev.OpID)
			r.commitOutcome(corr, ev, now)
		}
		return []Effect{{Kind: EffectPersistStore}}, nil
	}

	category := outbox.CategoryFromHTTPStatus(ev.HTTPStatus)
	if ev.HTTPStatus == 0 {
		// No status means the request never got a response.
		category = outbox.CategoryNetworkError
	}
	failure := outbox.NewIntentError(category, fmt.Sprintf("http_%d", ev.HTTPStatus), ev.ErrorMessage)
	if err := r.outbox.Fail(ctx, ev.OpID, ev.LeaseToken, failure, now); err != nil {
		return nil, err
	}
	if known && !category.IsRetryable() {
		delete(r.correlations, ev.OpID)
		r.rollbackOutcome(corr, ev.HTTPStatus, now)
	}
	return []Effect{{Kind: EffectPersistStore}}, nil
}

func (r *Reducer) commitOutcome(corr correlation, ev Event, now model.UnixTimeMs) {
	switch {
	case corr.isClaim:
		_, _ = r.optimistic.ResolveClaim(corr.caseID)
		if ev.ServerCase != nil {
			sc := *ev.ServerCase
			r.Model.Cases[corr.caseID] = &sc
		}
	case corr.mutationID != "":
		_, _ = r.optimistic.ResolveMutation(corr.mutationID)
		if ev.ServerCase != nil {
			sc := *ev.ServerCase
			r.Model.Cases[corr.caseID] = &sc
		}
	case corr.localCaseID != "":
		local, ok := r.Model.LocalCases[corr.localCaseID]
		if ok && ev.ServerCase != nil {
			local.MarkSynced(ev.ServerCase.ID)
			sc := *ev.ServerCase
			r.Model.Cases[sc.ID] = &sc
		}
	}
	_ = now
}

// rollbackOutcome undoes an optimistic change after a non-retryable reply.
// For claims and transitions, a 409 conflict surfaces as a warning (the
// other side simply won the race) and every other non-retryable reply as an
// error; a rejected case upload always surfaces as an error.
func (r *Reducer) rollbackOutcome(corr correlation, httpStatus int, now model.UnixTimeMs) {
	conflictKind := ToastError
	if httpStatus == http.StatusConflict {
		conflictKind = ToastWarning
	}

	switch {
	case corr.isClaim:
		claim, err := r.optimistic.ResolveClaim(corr.caseID)
		if err == nil {
			if existing, ok := r.Model.Cases[corr.caseID]; ok {
				existing.Status = claim.OriginalStatus
				existing.AssignedRescuerID = claim.OriginalAssignee
			}
		}
		r.Model.pushToast(conflictKind, "Could not claim this case", now)
	case corr.mutationID != "":
		m, err := r.optimistic.ResolveMutation(corr.mutationID)
		if err == nil {
			if existing, ok := r.Model.Cases[corr.caseID]; ok {
				existing.Status = m.OriginalStatus
				existing.AssignedRescuerID = m.OriginalAssignee
			}
		}
		r.Model.pushToast(conflictKind, "Could not update this case's status", now)
	case corr.localCaseID != "":
		if local, ok := r.Model.LocalCases[corr.localCaseID]; ok {
			local.MarkPermanentlyFailed("server rejected the upload")
		}
		r.Model.pushToast(ToastError, "Could not upload this case", now)
	}
}

func (r *Reducer) handleTimerTick(ctx context.Context, ev Event, now model.UnixTimeMs) ([]Effect, error) {
	r.Model.ExpireToasts(now)

	claims, mutations := r.optimistic.ExpireStale(now)
	for _, claim := range claims {
		if existing, ok := r.Model.Cases[claim.CaseID]; ok {
			existing.Status = claim.OriginalStatus
			existing.AssignedRescuerID = claim.OriginalAssignee
		}
		r.Model.pushToast(ToastWarning, "Claim timed out, please try again", now)
	}
	for _, m := range mutations {
		if existing, ok := r.Model.Cases[m.CaseID]; ok {
			existing.Status = m.OriginalStatus
			existing.AssignedRescuerID = m.OriginalAssignee
		}
		r.Model.pushToast(ToastWarning, "Update timed out, please try again", now)
	}

	if err := r.outbox.ExpireStale(ctx, now); err != nil {
		return nil, err
	}
	if r.Model.Online {
		return r.pollDueOutboxEntries(ctx, now)
	}
	return nil, nil
}

func (r *Reducer) handleRetryFailedRequested(ctx context.Context, now model.UnixTimeMs) ([]Effect, error) {
	for _, local := range r.Model.LocalCases {
		if local.Status == model.LocalCaseStatusFailed {
			local.Status = model.LocalCaseStatusPendingUpload
			local.UpdatedAtMsUTC = now
		}
	}
	return r.pollDueOutboxEntries(ctx, now)
}

func (r *Reducer) telemetryEffect(name string, fields map[string]string) Effect {
	return Effect{Kind: EffectTelemetryEvent, EventName: name, EventFields: fields}
}

func (r *Reducer) emitTelemetry(name string, fields map[string]string) {
	if r.telemetry != nil {
		r.telemetry.Event(name, fields)
	}
}

func (r *Reducer) emitTelemetryErr(name string, err error) {
	if r.telemetry != nil && err != nil {
		r.telemetry.Error(name, err, nil)
	}
}
