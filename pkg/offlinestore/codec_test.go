package offlinestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldrelay/syncore/pkg/cryptoring"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	kr := cryptoring.NewWithOSRandom(cryptoring.DefaultLimits())
	require.NoError(t, kr.AddKey(1, make([]byte, 32)))
	return NewCodec(kr)
}

func testContext() StoreContext {
	return NewStoreContext("user123", "device456")
}

func sampleEntry() outbox.Entry {
	return outbox.Entry{
		OpID:           "op-1",
		IdempotencyKey: "idem-1",
		Intent:         outbox.NewClaimCaseIntent("case-1"),
		CreatedAt:      model.Now(),
		ExpiresAt:      model.Now().Add(0),
		State:          outbox.EntryState{Kind: outbox.StatePending},
	}
}

func sampleLocalCase() model.LocalCase {
	loc, _ := model.NewLatLon(1, 1)
	return *model.NewLocalCase("loc-1", loc, nil, nil)
}

func TestRoundtripEmptyStore(t *testing.T) {
	codec := testCodec(t)
	c := New()

	encrypted, err := codec.SerializeEncrypted(c, testContext())
	require.NoError(t, err)

	decoded, err := codec.DeserializeEncrypted(encrypted, testContext())
	require.NoError(t, err)
	assert.Equal(t, uint32(CurrentSchemaVersion), decoded.SchemaVersion())
	assert.Empty(t, decoded.Outbox())
	assert.Empty(t, decoded.PendingCases())
}

func TestRoundtripWithData(t *testing.T) {
	codec := testCodec(t)
	c := New()
	require.NoError(t, c.PushOutbox(sampleEntry()))
	require.NoError(t, c.AddPendingCase(sampleLocalCase()))

	encrypted, err := codec.SerializeEncrypted(c, testContext())
	require.NoError(t, err)

	decoded, err := codec.DeserializeEncrypted(encrypted, testContext())
	require.NoError(t, err)
	require.Len(t, decoded.Outbox(), 1)
	require.Len(t, decoded.PendingCases(), 1)
	assert.Equal(t, model.OpId("op-1"), decoded.Outbox()[0].OpID)
}

func TestFileRoundtrip(t *testing.T) {
	codec := testCodec(t)
	c := New()
	require.NoError(t, c.PushOutbox(sampleEntry()))

	path := filepath.Join(t.TempDir(), "store.bin")
	require.NoError(t, SaveToPath(c, codec, path, testContext()))

	loaded, err := LoadFromPath(codec, path, testContext())
	require.NoError(t, err)
	require.Len(t, loaded.Outbox(), 1)
}

func TestLoadNonexistentReturnsNew(t *testing.T) {
	codec := testCodec(t)
	path := filepath.Join(t.TempDir(), "missing.bin")

	loaded, err := LoadFromPath(codec, path, testContext())
	require.NoError(t, err)
	assert.Equal(t, uint32(CurrentSchemaVersion), loaded.SchemaVersion())
}

func TestEmptyFileIsError(t *testing.T) {
	codec := testCodec(t)
	path := filepath.Join(t.TempDir(), "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := LoadFromPath(codec, path, testContext())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCorrupted, se.Code)
}

func TestWrongContextFailsDecryption(t *testing.T) {
	codec := testCodec(t)
	c := New()
	encrypted, err := codec.SerializeEncrypted(c, testContext())
	require.NoError(t, err)

	_, err = codec.DeserializeEncrypted(encrypted, NewStoreContext("other-user", "device456"))
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCrypto, se.Code)
}

func TestCorruptedCiphertextFails(t *testing.T) {
	codec := testCodec(t)
	c := New()
	require.NoError(t, c.PushOutbox(sampleEntry()))
	encrypted, err := codec.SerializeEncrypted(c, testContext())
	require.NoError(t, err)

	encrypted[len(encrypted)-1] ^= 0xFF

	_, err = codec.DeserializeEncrypted(encrypted, testContext())
	require.Error(t, err)
}

func TestOversizedInputRejected(t *testing.T) {
	codec := testCodec(t)
	oversized := make([]byte, maxStoreBytes+1)

	_, err := codec.DeserializeEncrypted(oversized, testContext())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrStoreTooLarge, se.Code)
}

func TestOutboxLimitEnforced(t *testing.T) {
	c := New()
	for i := 0; i < MaxOutboxEntries; i++ {
		require.NoError(t, c.PushOutbox(sampleEntry()))
	}
	err := c.PushOutbox(sampleEntry())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrTooManyOutboxEntries, se.Code)
}

func TestPendingCasesLimitEnforced(t *testing.T) {
	c := New()
	for i := 0; i < MaxPendingCases; i++ {
		require.NoError(t, c.AddPendingCase(sampleLocalCase()))
	}
	err := c.AddPendingCase(sampleLocalCase())
	require.Error(t, err)
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrTooManyPendingCases, se.Code)
}

func TestAtomicWriteLeavesNoTmpOnSuccess(t *testing.T) {
	codec := testCodec(t)
	c := New()
	path := filepath.Join(t.TempDir(), "store.bin")

	require.NoError(t, SaveToPath(c, codec, path, testContext()))
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestPopOutboxRemovesFront(t *testing.T) {
	c := New()
	e1, e2 := sampleEntry(), sampleEntry()
	e2.OpID = "op-2"
	require.NoError(t, c.PushOutbox(e1))
	require.NoError(t, c.PushOutbox(e2))

	front, ok := c.PopOutbox()
	require.True(t, ok)
	assert.Equal(t, model.OpId("op-1"), front.OpID)
	require.Len(t, c.Outbox(), 1)
	assert.Equal(t, model.OpId("op-2"), c.Outbox()[0].OpID)
}

func TestRemovePendingCaseByIndex(t *testing.T) {
	c := New()
	require.NoError(t, c.AddPendingCase(sampleLocalCase()))
	lc2 := sampleLocalCase()
	lc2.LocalID = "loc-2"
	require.NoError(t, c.AddPendingCase(lc2))

	removed, ok := c.RemovePendingCase(0)
	require.True(t, ok)
	assert.Equal(t, model.LocalOpId("loc-1"), removed.LocalID)
	require.Len(t, c.PendingCases(), 1)
	assert.Equal(t, model.LocalOpId("loc-2"), c.PendingCases()[0].LocalID)
}

func TestRemovePendingCaseInvalidIndex(t *testing.T) {
	c := New()
	require.NoError(t, c.AddPendingCase(sampleLocalCase()))

	_, ok := c.RemovePendingCase(5)
	assert.False(t, ok)
	_, ok = c.RemovePendingCase(-1)
	assert.False(t, ok)
}

func TestClearOperations(t *testing.T) {
	c := New()
	require.NoError(t, c.PushOutbox(sampleEntry()))
	require.NoError(t, c.AddPendingCase(sampleLocalCase()))

	c.ClearOutbox()
	c.ClearPendingCases()
	assert.Empty(t, c.Outbox())
	assert.Empty(t, c.PendingCases())
}
