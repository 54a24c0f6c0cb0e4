package reducer

import (
	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
)

// EventKind discriminates the tagged-union Event type.
type EventKind int

const (
	EventLoginSucceeded EventKind = iota
	EventLogoutRequested
	EventTokenRefreshRequired
	EventTokenRefreshSucceeded
	EventTokenRefreshFailed

	EventLocationPermissionChanged
	EventCameraPermissionChanged
	EventOnboardingCompleted

	EventNetworkStatusChanged

	EventCreateCaseRequested
	EventClaimCaseRequested
	EventTransitionCaseRequested

	EventRefreshRequested
	EventLoadMoreRequested
	EventCasesLoaded

	EventPushPayloadReceived

	EventPersistenceSucceeded
	EventPersistenceFailed
	EventLoadFromDiskSucceeded

	EventOutboxReplyReceived

	EventDismissToast
	EventTimerTick

	EventRetryFailedRequested
)

// Event is the flat tagged union every capability reply and user action is
// funneled through. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// LoginSucceeded
	UserID model.UserId
	Token  string

	// PermissionChanged
	Permission capability.PermissionState

	// NetworkStatusChanged
	Online bool

	// CreateCaseRequested
	Location     model.LatLon
	Description  *string
	LandmarkHint *string
	Severity     *model.WoundSeverity
	PhotoData    []byte

	// ClaimCaseRequested / TransitionCaseRequested
	CaseID   model.CaseId
	NewStatus model.CaseStatus
	Notes    *string

	// CasesLoaded
	LoadedCases []model.ServerCase
	NextCursor  string

	// PushPayloadReceived
	PushCaseID   model.CaseId
	PushLocation *model.LatLon

	// OutboxReplyReceived — correlates a completed/failed outbox entry back
	// to its optimistic mutation and/or local case via the reducer's own
	// op-id bookkeeping.
	OpID         model.OpId
	LeaseToken   string
	Success      bool
	HTTPStatus   int
	ServerCase   *model.ServerCase
	ErrorMessage string
	RetryAfterMs uint64

	// PersistenceSucceeded / Failed
	PersistErr error

	// DismissToast
	ToastID string

	// TimerTick
	Now model.UnixTimeMs
}
