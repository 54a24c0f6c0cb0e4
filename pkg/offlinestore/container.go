package offlinestore

import (
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// CurrentSchemaVersion is the schema version new containers are stamped
// with, and the newest version this build knows how to read.
const CurrentSchemaVersion = 1

// MaxOutboxEntries and MaxPendingCases bound the container's in-memory
// payload so an attacker-controlled or corrupted file can't exhaust memory
// on load.
const (
	MaxOutboxEntries = 10000
	MaxPendingCases  = 1000
)

// Container is the mobile client's durable local state: a FIFO of pending
// outbox entries plus the local cases not yet synced to the server. It is
// encrypted as one unit and written atomically. pkg/outbox.Engine, which
// drives delivery, loads and persists through its own outbox.Storage port;
// nothing in this module copies entries between it and a Container.
type Container struct {
	schemaVersion     uint32
	outbox            []outbox.Entry
	pendingLocalCases []model.LocalCase
}

// New constructs an empty Container at the current schema version.
func New() *Container {
	return &Container{schemaVersion: CurrentSchemaVersion}
}

// SchemaVersion returns the version this container was loaded at (after any
// migration, equal to CurrentSchemaVersion).
func (c *Container) SchemaVersion() uint32 { return c.schemaVersion }

// Outbox returns the pending outbox entries, oldest first.
func (c *Container) Outbox() []outbox.Entry { return c.outbox }

// PendingCases returns the local cases not yet synced.
func (c *Container) PendingCases() []model.LocalCase { return c.pendingLocalCases }

// OutboxLen returns the number of pending outbox entries.
func (c *Container) OutboxLen() int { return len(c.outbox) }

// PendingCasesLen returns the number of pending local cases.
func (c *Container) PendingCasesLen() int { return len(c.pendingLocalCases) }

// PushOutbox appends entry to the back of the outbox queue.
func (c *Container) PushOutbox(entry outbox.Entry) error {
	if len(c.outbox) >= MaxOutboxEntries {
		return newErr(ErrTooManyOutboxEntries, "outbox has %d entries, max %d", len(c.outbox)+1, MaxOutboxEntries)
	}
	c.outbox = append(c.outbox, entry)
	return nil
}

// AddPendingCase appends a not-yet-synced local case.
func (c *Container) AddPendingCase(lc model.LocalCase) error {
	if len(c.pendingLocalCases) >= MaxPendingCases {
		return newErr(ErrTooManyPendingCases, "pending cases has %d entries, max %d", len(c.pendingLocalCases)+1, MaxPendingCases)
	}
	c.pendingLocalCases = append(c.pendingLocalCases, lc)
	return nil
}

// PopOutbox removes and returns the front of the outbox queue, if any.
func (c *Container) PopOutbox() (outbox.Entry, bool) {
	if len(c.outbox) == 0 {
		return outbox.Entry{}, false
	}
	front := c.outbox[0]
	c.outbox = c.outbox[1:]
	return front, true
}

// RemovePendingCase removes and returns the pending case at index, if valid.
func (c *Container) RemovePendingCase(index int) (model.LocalCase, bool) {
	if index < 0 || index >= len(c.pendingLocalCases) {
		return model.LocalCase{}, false
	}
	lc := c.pendingLocalCases[index]
	c.pendingLocalCases = append(c.pendingLocalCases[:index], c.pendingLocalCases[index+1:]...)
	return lc, true
}

// ClearOutbox empties the outbox queue.
func (c *Container) ClearOutbox() { c.outbox = nil }

// ClearPendingCases empties the pending-cases list.
func (c *Container) ClearPendingCases() { c.pendingLocalCases = nil }
