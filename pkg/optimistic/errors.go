package optimistic

import "fmt"

// ReconcileErrorCode enumerates why a reconciliation attempt was rejected.
type ReconcileErrorCode int

const (
	// ErrNoSuchClaim is returned when ResolveClaim finds no pending claim
	// for the given case.
	ErrNoSuchClaim ReconcileErrorCode = iota
	// ErrNoSuchMutation is returned when ResolveMutation finds no pending
	// mutation for the given id.
	ErrNoSuchMutation
	// ErrClaimAlreadyPending is returned when BeginClaim is called twice for
	// the same case before the first claim resolves.
	ErrClaimAlreadyPending
)

// ReconcileError is the single error type Controller operations return.
type ReconcileError struct {
	Code    ReconcileErrorCode
	Message string
}

func (e *ReconcileError) Error() string { return e.Message }

func newReconcileErr(code ReconcileErrorCode, format string, args ...any) *ReconcileError {
	return &ReconcileError{Code: code, Message: fmt.Sprintf(format, args...)}
}
