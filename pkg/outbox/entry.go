package outbox

import (
	"github.com/fieldrelay/syncore/pkg/model"
)

// maxErrorMessageBytes bounds IntentError.Message; longer messages are
// truncated UTF-8-boundary-safe with Truncated set.
const maxErrorMessageBytes = 512

// retryHistoryCapacity is the ring buffer size for RetryHistory.Errors.
const retryHistoryCapacity = 10

// IntentError is the sanitized record of one failed delivery attempt,
// attached to an entry's retry history.
type IntentError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Truncated bool
	Timestamp model.UnixTimeMs
}

// NewIntentError constructs an IntentError, truncating message to
// maxErrorMessageBytes UTF-8-safely.
func NewIntentError(category ErrorCategory, code, message string) IntentError {
	truncated := false
	if len(message) > maxErrorMessageBytes {
		runes := []rune(message)
		// Walk back from the byte budget to a rune boundary.
		cut := len(runes)
		for cut > 0 && len(string(runes[:cut])) > maxErrorMessageBytes {
			cut--
		}
		message = string(runes[:cut])
		truncated = true
	}
	return IntentError{
		Category:  category,
		Code:      code,
		Message:   message,
		Truncated: truncated,
		Timestamp: model.Now(),
	}
}

// RetryHistory is a bounded ring buffer of the most recent delivery errors
// plus a monotonic total-attempts counter.
type RetryHistory struct {
	Errors        []IntentError
	TotalAttempts uint32
}

// Append records err, evicting the oldest entry once the buffer is full.
func (h *RetryHistory) Append(err IntentError) {
	h.TotalAttempts++
	h.Errors = append(h.Errors, err)
	if len(h.Errors) > retryHistoryCapacity {
		h.Errors = h.Errors[len(h.Errors)-retryHistoryCapacity:]
	}
}

// Lease is a time-bounded exclusive right to process an entry.
type Lease struct {
	Token      string
	HolderID   string
	AcquiredAt model.UnixTimeMs
	ExpiresAt  model.UnixTimeMs
}

// Valid reports whether the lease has not yet expired at now.
func (l Lease) Valid(now model.UnixTimeMs) bool {
	return now.Before(l.ExpiresAt)
}

// DeadLetterReasonKind enumerates why an entry was dead-lettered.
type DeadLetterReasonKind int

const (
	DeadLetterMaxRetriesExceeded DeadLetterReasonKind = iota
	DeadLetterNonRetryableError
	DeadLetterExpired
	DeadLetterDependencyFailed
)

func (k DeadLetterReasonKind) String() string {
	switch k {
	case DeadLetterMaxRetriesExceeded:
		return "max_retries_exceeded"
	case DeadLetterNonRetryableError:
		return "non_retryable_error"
	case DeadLetterExpired:
		return "expired"
	case DeadLetterDependencyFailed:
		return "dependency_failed"
	default:
		return "unknown"
	}
}

// DeadLetterReason is the terminal-failure detail recorded on an entry.
type DeadLetterReason struct {
	Kind           DeadLetterReasonKind
	DependencyOpID model.OpId // set iff Kind == DeadLetterDependencyFailed
}

// EntryStateKind discriminates the per-entry state machine.
type EntryStateKind int

const (
	StatePending EntryStateKind = iota
	StateInFlight
	StateRetrying
	StateDeadLetter
	StateCompleted
)

func (k EntryStateKind) String() string {
	switch k {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateDeadLetter:
		return "dead_letter"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (k EntryStateKind) IsTerminal() bool {
	return k == StateDeadLetter || k == StateCompleted
}

// EntryState is the flat tagged union over the five entry states.
type EntryState struct {
	Kind EntryStateKind

	// InFlight
	StartedAt model.UnixTimeMs
	Lease     Lease

	// Retrying
	NextAttemptAt model.UnixTimeMs

	// DeadLetter
	Reason DeadLetterReason
	DeadAt model.UnixTimeMs

	// Completed
	CompletedAt model.UnixTimeMs
}

// Entry is one durable outbox row.
type Entry struct {
	OpID           model.OpId
	IdempotencyKey model.IdempotencyKey
	Intent         Intent
	CreatedAt      model.UnixTimeMs
	ExpiresAt      model.UnixTimeMs
	State          EntryState
	History        RetryHistory
	TenantID       *string
	Priority       int32
	Version        uint64
}

// clone returns a deep-enough copy of e so callers mutating the returned
// value never corrupt engine-owned state without going through a mutator.
func (e Entry) clone() Entry {
	cp := e
	cp.History.Errors = append([]IntentError(nil), e.History.Errors...)
	return cp
}
