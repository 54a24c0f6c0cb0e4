// Package outbox implements the durable, idempotent, leased operation queue
// that drives all server writes the reducer issues: push/lease/complete/fail
// state machine, dependency cascade, dead-lettering, and rate limiting.
package outbox

import (
	"time"

	"github.com/fieldrelay/syncore/pkg/model"
)

// IntentKind discriminates the OutboxIntent tagged union.
type IntentKind int

const (
	IntentCreateCase IntentKind = iota
	IntentUploadPhoto
	IntentClaimCase
	IntentTransitionCase
	IntentSyncPushToken
)

func (k IntentKind) String() string {
	switch k {
	case IntentCreateCase:
		return "create_case"
	case IntentUploadPhoto:
		return "upload_photo"
	case IntentClaimCase:
		return "claim_case"
	case IntentTransitionCase:
		return "transition_case"
	case IntentSyncPushToken:
		return "sync_push_token"
	default:
		return "unknown"
	}
}

// Intent carries the minimum data needed to reproduce one server call. It is
// a flat tagged union (Kind selects which fields are meaningful), matching
// the flat-struct-per-variant idiom the capability/messaging packages in the
// teacher repo use in place of Rust-style enums.
type Intent struct {
	Kind IntentKind

	// CreateCase
	LocalID       model.LocalOpId
	Location      model.LatLon
	Description   *string
	LandmarkHint  *string
	WoundSeverity *model.WoundSeverity
	HasPhoto      bool
	CreatedAtUTC  model.UnixTimeMs

	// UploadPhoto
	UploadURL     string
	UploadHeaders map[string]string

	// ClaimCase / TransitionCase
	CaseID model.CaseId

	// TransitionCase
	NextStatus model.CaseStatus
	Notes      *string

	// SyncPushToken
	PushToken string

	// UploadPhoto and TransitionCase may depend on a predecessor op.
	DependsOn *model.OpId
}

// DefaultTimeout returns the per-intent HTTP effect timeout from §5: it
// governs the capability call, not the outbox entry's own expires_at TTL.
func (i Intent) DefaultTimeout() time.Duration {
	switch i.Kind {
	case IntentCreateCase:
		return 60 * time.Second
	case IntentUploadPhoto:
		return 120 * time.Second
	case IntentClaimCase:
		return 30 * time.Second
	case IntentTransitionCase:
		return 30 * time.Second
	case IntentSyncPushToken:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}

// NewCreateCaseIntent builds a CreateCase intent.
func NewCreateCaseIntent(localID model.LocalOpId, loc model.LatLon, description, landmarkHint *string, severity *model.WoundSeverity, hasPhoto bool) Intent {
	return Intent{
		Kind:          IntentCreateCase,
		LocalID:       localID,
		Location:      loc,
		Description:   description,
		LandmarkHint:  landmarkHint,
		WoundSeverity: severity,
		HasPhoto:      hasPhoto,
		CreatedAtUTC:  model.Now(),
	}
}

// NewUploadPhotoIntent builds an UploadPhoto intent, dependent on dependsOn.
func NewUploadPhotoIntent(localID model.LocalOpId, uploadURL string, headers map[string]string, dependsOn model.OpId) Intent {
	return Intent{
		Kind:          IntentUploadPhoto,
		LocalID:       localID,
		UploadURL:     uploadURL,
		UploadHeaders: headers,
		DependsOn:     &dependsOn,
	}
}

// NewClaimCaseIntent builds a ClaimCase intent.
func NewClaimCaseIntent(caseID model.CaseId) Intent {
	return Intent{Kind: IntentClaimCase, CaseID: caseID}
}

// NewTransitionCaseIntent builds a TransitionCase intent, optionally
// dependent on dependsOn (e.g. a prior claim).
func NewTransitionCaseIntent(caseID model.CaseId, next model.CaseStatus, notes *string, dependsOn *model.OpId) Intent {
	return Intent{Kind: IntentTransitionCase, CaseID: caseID, NextStatus: next, Notes: notes, DependsOn: dependsOn}
}

// NewSyncPushTokenIntent builds a SyncPushToken intent.
func NewSyncPushTokenIntent(token string) Intent {
	return Intent{Kind: IntentSyncPushToken, PushToken: token}
}
