// Package reducer implements the single-threaded event processor that owns
// the client-side model: it mutates local state in response to events and
// emits capability effects via the ports in pkg/capability, never blocking
// on an effect's reply. Replies arrive as further events.
package reducer

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
)

// Session holds the authenticated user's identity and bearer token.
type Session struct {
	UserID       model.UserId
	Token        string
	Authenticated bool
}

// Toast is a dismissible, auto-expiring user-facing notice.
type Toast struct {
	ID        string
	Message   string
	Severity  ToastSeverity
	CreatedAt model.UnixTimeMs
	ExpiresAt model.UnixTimeMs
}

// ToastSeverity classifies a Toast for UI styling.
type ToastSeverity int

const (
	ToastInfo ToastSeverity = iota
	ToastWarning
	ToastError
)

// DefaultToastLifetime is how long a toast survives before a timer tick
// expires it.
const DefaultToastLifetime = 6 * time.Second

func newToastID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// Model is the full client-side state the reducer owns. Nothing outside
// Reducer.Process ever mutates it directly.
type Model struct {
	Session Session

	OnboardingComplete bool
	Online             bool

	LocationPermission capability.PermissionState
	CameraPermission   capability.PermissionState
	PushPermission     capability.PermissionState

	Cases      map[model.CaseId]*model.ServerCase
	LocalCases map[model.LocalOpId]*model.LocalCase

	Toasts []Toast

	// PageCursor is the opaque cursor for the next paginated case-list load.
	PageCursor string
}

// NewModel constructs an empty client model at first launch.
func NewModel() *Model {
	return &Model{
		Cases:      make(map[model.CaseId]*model.ServerCase),
		LocalCases: make(map[model.LocalOpId]*model.LocalCase),
	}
}

func (m *Model) pushToast(severity ToastSeverity, message string, now model.UnixTimeMs) {
	m.Toasts = append(m.Toasts, Toast{
		ID:        newToastID(),
		Message:   message,
		Severity:  severity,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultToastLifetime),
	})
}

// DismissToast removes the toast with the given id, if present.
func (m *Model) DismissToast(id string) {
	for i, t := range m.Toasts {
		if t.ID == id {
			m.Toasts = append(m.Toasts[:i], m.Toasts[i+1:]...)
			return
		}
	}
}

// ExpireToasts drops every toast whose ExpiresAt is at or before now.
func (m *Model) ExpireToasts(now model.UnixTimeMs) {
	live := m.Toasts[:0]
	for _, t := range m.Toasts {
		if t.ExpiresAt.After(now) {
			live = append(live, t)
		}
	}
	m.Toasts = live
}
