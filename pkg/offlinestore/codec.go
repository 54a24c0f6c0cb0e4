package offlinestore

import (
	"encoding/json"

	"lukechampine.com/blake3"

	"github.com/fieldrelay/syncore/pkg/cryptoring"
)

// maxStoreBytes bounds the ciphertext read from disk so a truncated or
// attacker-supplied file can't force an unbounded allocation.
const maxStoreBytes = 100 * 1024 * 1024

var storeMagic = [4]byte{'O', 'F', 'S', 'T'}

// envelope is the outer, checksum-protected structure serialized (as JSON,
// not CBOR — no CBOR library appears anywhere in the example pack) before
// encryption.
type envelope struct {
	Magic         [4]byte `json:"magic"`
	SchemaVersion uint32  `json:"schema_version"`
	Checksum      [32]byte `json:"checksum"`
	Payload       []byte  `json:"payload"`
}

// payload is the inner structure checksummed and then wrapped in envelope.
type payload struct {
	Outbox            []json.RawMessage `json:"outbox"`
	PendingLocalCases []json.RawMessage `json:"pending_local_cases"`
}

// Codec serializes/deserializes a Container through an authenticated
// encryption envelope bound to a StoreContext.
type Codec struct {
	keyring *cryptoring.KeyRing
}

// NewCodec constructs a Codec backed by keyring.
func NewCodec(keyring *cryptoring.KeyRing) *Codec {
	return &Codec{keyring: keyring}
}

// SerializeEncrypted renders c as an authenticated-encrypted byte string
// bound to ctx.
func (cd *Codec) SerializeEncrypted(c *Container, ctx StoreContext) ([]byte, error) {
	outboxRaw := make([]json.RawMessage, 0, len(c.outbox))
	for _, e := range c.outbox {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, wrapErr(ErrSerialization, err, "marshaling outbox entry: %v", err)
		}
		outboxRaw = append(outboxRaw, b)
	}
	casesRaw := make([]json.RawMessage, 0, len(c.pendingLocalCases))
	for _, lc := range c.pendingLocalCases {
		b, err := json.Marshal(lc)
		if err != nil {
			return nil, wrapErr(ErrSerialization, err, "marshaling pending case: %v", err)
		}
		casesRaw = append(casesRaw, b)
	}

	payloadBytes, err := json.Marshal(payload{Outbox: outboxRaw, PendingLocalCases: casesRaw})
	if err != nil {
		return nil, wrapErr(ErrSerialization, err, "marshaling store payload: %v", err)
	}

	env := envelope{
		Magic:         storeMagic,
		SchemaVersion: c.schemaVersion,
		Checksum:      blake3.Sum256(payloadBytes),
		Payload:       payloadBytes,
	}
	envelopeBytes, err := json.Marshal(env)
	if err != nil {
		return nil, wrapErr(ErrSerialization, err, "marshaling store envelope: %v", err)
	}

	encrypted, err := cd.keyring.Encrypt(envelopeBytes, ctx.toAAD(c.schemaVersion))
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "encrypting store: %v", err)
	}
	return encrypted, nil
}

// DeserializeEncrypted reverses SerializeEncrypted, verifying the envelope's
// magic, checksum, and schema version, and migrating forward if needed.
func (cd *Codec) DeserializeEncrypted(encrypted []byte, ctx StoreContext) (*Container, error) {
	if len(encrypted) > maxStoreBytes {
		return nil, newErr(ErrStoreTooLarge, "store is %d bytes, max %d", len(encrypted), maxStoreBytes)
	}

	// The context's AAD is bound to the current schema version because the
	// client always writes at CurrentSchemaVersion; a persisted file from an
	// older build still decrypts since it shares that same constant, and
	// migrate() upgrades the payload only after the AEAD tag has verified.
	envelopeBytes, err := cd.keyring.Decrypt(encrypted, ctx.toAAD(CurrentSchemaVersion))
	if err != nil {
		return nil, wrapErr(ErrCrypto, err, "decrypting store: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(envelopeBytes, &env); err != nil {
		return nil, wrapErr(ErrSerialization, err, "unmarshaling store envelope: %v", err)
	}

	if env.Magic != storeMagic {
		return nil, newErr(ErrCorrupted, "invalid magic bytes")
	}
	if env.SchemaVersion > CurrentSchemaVersion {
		return nil, newErr(ErrFutureSchema, "schema version %d is newer than supported %d", env.SchemaVersion, CurrentSchemaVersion)
	}

	actualChecksum := blake3.Sum256(env.Payload)
	if actualChecksum != env.Checksum {
		return nil, newErr(ErrIntegrityCheckFailed, "checksum mismatch: store payload is corrupted")
	}

	var p payload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, wrapErr(ErrSerialization, err, "unmarshaling store payload: %v", err)
	}

	if len(p.Outbox) > MaxOutboxEntries {
		return nil, newErr(ErrTooManyOutboxEntries, "outbox has %d entries, max %d", len(p.Outbox), MaxOutboxEntries)
	}
	if len(p.PendingLocalCases) > MaxPendingCases {
		return nil, newErr(ErrTooManyPendingCases, "pending cases has %d entries, max %d", len(p.PendingLocalCases), MaxPendingCases)
	}

	container, err := decodePayload(env.SchemaVersion, p)
	if err != nil {
		return nil, err
	}
	if env.SchemaVersion < CurrentSchemaVersion {
		return migrate(env.SchemaVersion, container)
	}
	return container, nil
}
