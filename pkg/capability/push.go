package capability

import "context"

// PermissionState mirrors the platform push-permission lifecycle the mobile
// client tracks before it will attempt registration.
type PermissionState int

const (
	PermissionNotDetermined PermissionState = iota
	PermissionDenied
	PermissionAuthorized
	PermissionProvisional
	PermissionEphemeral
)

// IsAuthorized reports whether registration may proceed.
func (p PermissionState) IsAuthorized() bool {
	return p == PermissionAuthorized || p == PermissionProvisional || p == PermissionEphemeral
}

// PushErrorCode enumerates the PushError taxon.
type PushErrorCode int

const (
	ErrPushNotAvailable PushErrorCode = iota
	ErrPushPermissionDenied
	ErrPushPermissionNotRequested
	ErrPushRegistrationFailed
	ErrPushNotRegistered
	ErrPushTokenExpired
	ErrPushNetwork
	ErrPushRateLimited
	ErrPushTimeout
)

// PushError is the single error type PushPort operations return.
type PushError struct {
	Code        PushErrorCode
	Message     string
	IsRetryable bool
}

func (e *PushError) Error() string { return e.Message }

// PushPort is the capability the reducer calls through to manage this
// device's push-notification registration, backing the SyncPushToken
// intent's local side (the server call itself goes through pkg/outbox).
type PushPort interface {
	PermissionStatus(ctx context.Context) (PermissionState, error)
	RequestPermission(ctx context.Context) (PermissionState, error)
	// Register returns the current device token, refreshing it with the
	// platform push service first if forceRefresh is set.
	Register(ctx context.Context, forceRefresh bool) (string, error)
	Unregister(ctx context.Context) error
}
