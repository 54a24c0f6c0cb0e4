package offlinestore

import (
	"encoding/json"

	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// decodePayload turns the wire-format payload (raw JSON per row, so a
// corrupt entry is reported by its index; it still fails the whole load)
// into a Container at schemaVersion.
func decodePayload(schemaVersion uint32, p payload) (*Container, error) {
	c := &Container{schemaVersion: schemaVersion}

	c.outbox = make([]outbox.Entry, 0, len(p.Outbox))
	for i, raw := range p.Outbox {
		var e outbox.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, wrapErr(ErrSerialization, err, "decoding outbox entry %d: %v", i, err)
		}
		c.outbox = append(c.outbox, e)
	}

	c.pendingLocalCases = make([]model.LocalCase, 0, len(p.PendingLocalCases))
	for i, raw := range p.PendingLocalCases {
		var lc model.LocalCase
		if err := json.Unmarshal(raw, &lc); err != nil {
			return nil, wrapErr(ErrSerialization, err, "decoding pending case %d: %v", i, err)
		}
		c.pendingLocalCases = append(c.pendingLocalCases, lc)
	}

	return c, nil
}

// migrate upgrades a container loaded at an older schema version to
// CurrentSchemaVersion. Each step only ever adds or reinterprets fields —
// it never needs to read wire bytes again, since decodePayload already
// produced valid Go values at the old version.
func migrate(fromVersion uint32, c *Container) (*Container, error) {
	switch fromVersion {
	case 0:
		return migrateV0ToV1(c)
	default:
		return nil, newErr(ErrUnknownSchema, "unknown schema version: %d", fromVersion)
	}
}

// migrateV0ToV1 is a no-op content migration: v0 containers used the same
// outbox.Entry/model.LocalCase shapes, so only the stamped version changes.
func migrateV0ToV1(c *Container) (*Container, error) {
	c.schemaVersion = 1
	return c, nil
}
