package cryptoring

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	k := make([]byte, keySize)
	for i := range k {
		k[i] = b
	}
	return k
}

func newTestRing(t *testing.T) *KeyRing {
	t.Helper()
	return NewWithOSRandom(DefaultLimits())
}

func TestRoundtrip(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	aad := []byte("context")
	env, err := kr.Encrypt([]byte("hello"), aad)
	require.NoError(t, err)

	pt, err := kr.Decrypt(env, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)
}

func TestWrongAadFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	env, err := kr.Encrypt([]byte("hello"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = kr.Decrypt(env, []byte("aad-b"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrDecryptionFailed, ce.Code)
	assert.Equal(t, DecryptFailureAuthenticationFailed, ce.Decrypt.Kind)
}

func TestNoneVsEmptyUserIdDistinct(t *testing.T) {
	empty := ""
	a, err := BuildAAD("app", "store", 1, nil)
	require.NoError(t, err)
	b, err := BuildAAD("app", "store", 1, &empty)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAadFieldTooLargeRejected(t *testing.T) {
	big := make([]byte, MaxAadField+1)
	_, err := BuildAAD(string(big), "store", 1, nil)
	require.Error(t, err)
}

func TestEmptyAadRejectedOnEncrypt(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	_, err := kr.Encrypt([]byte("x"), nil)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrAadRequired, ce.Code)
}

func TestKeyIdZeroRejected(t *testing.T) {
	kr := newTestRing(t)
	err := kr.AddKey(0, testKey(1))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrInvalidKeyId, ce.Code)
}

func TestInvalidKeyLengthRejected(t *testing.T) {
	kr := newTestRing(t)
	err := kr.AddKey(1, []byte{1, 2, 3})
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrInvalidKeyLength, ce.Code)
}

func TestNoKeysFailsEncrypt(t *testing.T) {
	kr := newTestRing(t)
	_, err := kr.Encrypt([]byte("x"), []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrNoKeysAvailable, ce.Code)
}

func TestKeyRotation(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	require.NoError(t, kr.AddKey(2, testKey(2)))
	require.NoError(t, kr.SetPrimary(2))

	id, ok := kr.PrimaryKeyID()
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)

	env, err := kr.Encrypt([]byte("x"), []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), envKeyID(env))
}

func envKeyID(env []byte) uint32 {
	return uint32(env[13]) | uint32(env[14])<<8 | uint32(env[15])<<16 | uint32(env[16])<<24
}

func TestCannotRemovePrimaryKey(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	err := kr.RemoveKey(1)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrCannotRemovePrimaryKey, ce.Code)
}

func TestRemoveNonPrimaryKey(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	require.NoError(t, kr.AddKey(2, testKey(2)))
	require.NoError(t, kr.RemoveKey(2))
	assert.False(t, kr.HasKey(2))
}

func TestRemovedKeyFailsDecrypt(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	require.NoError(t, kr.AddKey(2, testKey(2)))
	require.NoError(t, kr.SetPrimary(2))
	env, err := kr.Encrypt([]byte("x"), []byte("aad"))
	require.NoError(t, err)
	require.NoError(t, kr.SetPrimary(1))
	require.NoError(t, kr.RemoveKey(2))

	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailureKeyNotFound, ce.Decrypt.Kind)
}

func TestTamperedCiphertextFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt([]byte("hello world"), []byte("aad"))
	require.NoError(t, err)

	env[headerSize] ^= 0xFF
	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
}

func TestTamperedHeaderFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	env[20] ^= 0xFF // inside nonce
	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
}

func TestBadMagicFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	env[0] = 'X'
	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailureMalformedEnvelope, ce.Decrypt.Kind)
}

func TestShortEnvelopeFails(t *testing.T) {
	kr := newTestRing(t)
	_, err := kr.Decrypt([]byte{1, 2, 3}, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailureMalformedEnvelope, ce.Decrypt.Kind)
}

func TestUnsupportedVersionFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	env[8] = 9 // version byte 1 -> 9
	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailureUnsupportedVersion, ce.Decrypt.Kind)
}

func TestUnsupportedAlgorithmFails(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	env[12] = 77
	_, err = kr.Decrypt(env, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailureUnsupportedAlgorithm, ce.Decrypt.Kind)
}

func TestPlaintextTooLarge(t *testing.T) {
	kr := New(OSRandomProvider{}, Limits{MaxPlaintext: 4, MaxCiphertext: 1024})
	require.NoError(t, kr.AddKey(1, testKey(1)))
	_, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrPlaintextTooLarge, ce.Code)
}

func TestCiphertextTooLargeOnDecrypt(t *testing.T) {
	kr := New(OSRandomProvider{}, Limits{MaxPlaintext: 1024, MaxCiphertext: 1024})
	require.NoError(t, kr.AddKey(1, testKey(1)))
	env, err := kr.Encrypt(bytes.Repeat([]byte{1}, 900), []byte("aad"))
	require.NoError(t, err)

	kr2 := New(OSRandomProvider{}, Limits{MaxPlaintext: 1024, MaxCiphertext: 100})
	require.NoError(t, kr2.AddKey(1, testKey(1)))
	_, err = kr2.Decrypt(env, []byte("aad"))
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, DecryptFailurePayloadTooLarge, ce.Decrypt.Kind)
}

func TestStatsTracked(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	env, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)
	_, _ = kr.Decrypt(env, []byte("aad"))
	_, _ = kr.Decrypt(env, []byte("wrong"))

	stats := kr.Stats()
	assert.Equal(t, uint64(1), stats.EncryptCount)
	assert.Equal(t, uint64(2), stats.DecryptCount)
	assert.Equal(t, uint64(1), stats.DecryptFailures)
}

func TestUniqueNonces(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	e1, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)
	e2, err := kr.Encrypt([]byte("hello"), []byte("aad"))
	require.NoError(t, err)

	assert.NotEqual(t, e1[17:41], e2[17:41])
	assert.NotEqual(t, e1, e2)
}

func TestEnvelopeStructure(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	pt := []byte("hello")
	env, err := kr.Encrypt(pt, []byte("aad"))
	require.NoError(t, err)

	assert.Equal(t, envelopeMagic, string(env[0:8]))
	assert.Len(t, env, headerSize+len(pt)+tagSize)
}

func TestFirstKeyBecomesPrimary(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(5, testKey(1)))
	id, ok := kr.PrimaryKeyID()
	require.True(t, ok)
	assert.Equal(t, uint32(5), id)
}

func TestSetPrimaryUnknownKeyFails(t *testing.T) {
	kr := newTestRing(t)
	err := kr.SetPrimary(99)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ErrKeyNotFound, ce.Code)
}

func TestKeyCount(t *testing.T) {
	kr := newTestRing(t)
	assert.Equal(t, 0, kr.KeyCount())
	require.NoError(t, kr.AddKey(1, testKey(1)))
	require.NoError(t, kr.AddKey(2, testKey(2)))
	assert.Equal(t, 2, kr.KeyCount())
}

func TestAadLengthEncoding(t *testing.T) {
	a, err := BuildAAD("ns", "store", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, byte(len("ns")), a[0])
	assert.Equal(t, byte(0), a[1])
}

func TestConcurrentEncryptDecrypt(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))

	done := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func() {
			env, err := kr.Encrypt([]byte("payload"), []byte("aad"))
			if err != nil {
				done <- err
				return
			}
			_, err = kr.Decrypt(env, []byte("aad"))
			done <- err
		}()
	}
	for i := 0; i < 32; i++ {
		require.NoError(t, <-done)
	}
}

func TestConcurrentRotation(t *testing.T) {
	kr := newTestRing(t)
	require.NoError(t, kr.AddKey(1, testKey(1)))
	require.NoError(t, kr.AddKey(2, testKey(2)))

	done := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			if i%2 == 0 {
				_ = kr.SetPrimary(1)
			} else {
				_ = kr.SetPrimary(2)
			}
			_, _ = kr.Encrypt([]byte("x"), []byte("aad"))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}
