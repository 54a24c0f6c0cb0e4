// Package cryptoring implements the envelope-encryption keyring: rotation,
// primary-key selection, AAD binding, and sanitized decrypt failures, ported
// from the field-reporting client's Rust crypto module to XChaCha20-Poly1305
// via golang.org/x/crypto.
package cryptoring

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeMagic    = "WARMCRY1"
	currentVersion   = 1
	minSupportedVer  = 1
	headerSize       = 41
	tagSize          = 16
	nonceSize        = 24
	keySize          = 32
	reservedKeyID    = 0
	algXChaCha20Poly = 1
)

// Limits bound the plaintext and ciphertext sizes Encrypt/Decrypt accept.
type Limits struct {
	MaxPlaintext  int
	MaxCiphertext int
}

// DefaultLimits matches the teacher-adjacent original: 5 MiB plaintext,
// 6 MiB ciphertext.
func DefaultLimits() Limits {
	return Limits{MaxPlaintext: 5 * 1024 * 1024, MaxCiphertext: 6 * 1024 * 1024}
}

type keyEntry struct {
	secret [keySize]byte
}

func (k *keyEntry) zeroize() {
	for i := range k.secret {
		k.secret[i] = 0
	}
}

type keyStore struct {
	keys         map[uint32]*keyEntry
	primaryKeyID uint32
	hasPrimary   bool
}

// KeyRing provides authenticated encryption bound to caller-supplied AAD,
// with key rotation and sanitized decrypt failures. Safe for concurrent use.
type KeyRing struct {
	mu     sync.RWMutex
	store  keyStore
	rng    RandomProvider
	limits Limits

	encryptCount     atomic.Uint64
	decryptCount     atomic.Uint64
	decryptFailCount atomic.Uint64
}

// New constructs an empty KeyRing using rng for nonce generation.
func New(rng RandomProvider, limits Limits) *KeyRing {
	return &KeyRing{
		store: keyStore{keys: make(map[uint32]*keyEntry)},
		rng:   rng,
		limits: limits,
	}
}

// NewWithOSRandom constructs a KeyRing backed by the OS CSPRNG.
func NewWithOSRandom(limits Limits) *KeyRing {
	return New(OSRandomProvider{}, limits)
}

// Stats is a point-in-time snapshot of the keyring's operation counters.
type Stats struct {
	EncryptCount     uint64
	DecryptCount     uint64
	DecryptFailures  uint64
}

// Stats returns the current encrypt/decrypt/decrypt-failure counters.
func (k *KeyRing) Stats() Stats {
	return Stats{
		EncryptCount:    k.encryptCount.Load(),
		DecryptCount:    k.decryptCount.Load(),
		DecryptFailures: k.decryptFailCount.Load(),
	}
}

// AddKey installs a 32-byte key under keyID. keyID 0 is reserved. The first
// key ever added becomes primary.
func (k *KeyRing) AddKey(keyID uint32, keyBytes []byte) error {
	if keyID == reservedKeyID {
		return newErr(ErrInvalidKeyId, "invalid key id: %d is reserved", keyID)
	}
	if len(keyBytes) != keySize {
		return newErr(ErrInvalidKeyLength, "invalid key length: expected %d, got %d", keySize, len(keyBytes))
	}

	var entry keyEntry
	copy(entry.secret[:], keyBytes)

	k.mu.Lock()
	defer k.mu.Unlock()

	isFirst := len(k.store.keys) == 0
	k.store.keys[keyID] = &entry
	if isFirst {
		k.store.primaryKeyID = keyID
		k.store.hasPrimary = true
	}
	return nil
}

// SetPrimary marks keyID as primary. Fails if keyID is not present.
func (k *KeyRing) SetPrimary(keyID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.store.keys[keyID]; !ok {
		return newErr(ErrKeyNotFound, "key not found: %d", keyID)
	}
	k.store.primaryKeyID = keyID
	k.store.hasPrimary = true
	return nil
}

// RemoveKey deletes keyID. Fails if keyID is the current primary.
func (k *KeyRing) RemoveKey(keyID uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.store.hasPrimary && k.store.primaryKeyID == keyID {
		return newErr(ErrCannotRemovePrimaryKey, "cannot remove primary key %d, set another primary first", keyID)
	}
	if entry, ok := k.store.keys[keyID]; ok {
		entry.zeroize()
		delete(k.store.keys, keyID)
	}
	return nil
}

// HasKey reports whether keyID is present.
func (k *KeyRing) HasKey(keyID uint32) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.store.keys[keyID]
	return ok
}

// PrimaryKeyID returns the current primary key id, if any.
func (k *KeyRing) PrimaryKeyID() (uint32, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.primaryKeyID, k.store.hasPrimary
}

// KeyCount returns the number of keys currently installed.
func (k *KeyRing) KeyCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.store.keys)
}

// Encrypt seals plaintext under the primary key, binding aad, and returns
// the 41-byte-header envelope followed by ciphertext and a 16-byte tag.
func (k *KeyRing) Encrypt(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) > k.limits.MaxPlaintext {
		return nil, newErr(ErrPlaintextTooLarge, "plaintext too large: %d > %d", len(plaintext), k.limits.MaxPlaintext)
	}
	if len(aad) == 0 {
		return nil, newErr(ErrAadRequired, "aad required but empty")
	}
	if len(aad) > MaxAadLen {
		return nil, newErr(ErrAadTooLarge, "aad too large: %d > %d", len(aad), MaxAadLen)
	}

	totalLen := headerSize + len(plaintext) + tagSize
	if totalLen > k.limits.MaxCiphertext {
		return nil, newErr(ErrCiphertextTooLarge, "ciphertext too large: %d > %d", totalLen, k.limits.MaxCiphertext)
	}

	k.mu.RLock()
	if !k.store.hasPrimary {
		k.mu.RUnlock()
		return nil, newErr(ErrNoKeysAvailable, "no keys available")
	}
	keyID := k.store.primaryKeyID
	entry, ok := k.store.keys[keyID]
	if !ok {
		k.mu.RUnlock()
		return nil, newErr(ErrNoKeysAvailable, "no keys available")
	}
	var keyCopy [keySize]byte
	copy(keyCopy[:], entry.secret[:])
	k.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(keyCopy[:])
	keyCopy = [keySize]byte{}
	if err != nil {
		return nil, newErr(ErrEncryptionFailed, "encryption failed")
	}

	nonce := make([]byte, nonceSize)
	if err := k.rng.Fill(nonce); err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, totalLen)
	copy(out[0:8], envelopeMagic)
	binary.LittleEndian.PutUint32(out[8:12], currentVersion)
	out[12] = algXChaCha20Poly
	binary.LittleEndian.PutUint32(out[13:17], keyID)
	copy(out[17:41], nonce)

	out = aead.Seal(out, nonce, plaintext, aad)

	k.encryptCount.Add(1)
	return out, nil
}

// Decrypt opens envelope, verifying the header and authentication tag
// against aad. On any defect it returns a sanitized *Error wrapping a
// *DecryptFailure; no underlying cipher diagnostics are surfaced.
func (k *KeyRing) Decrypt(envelope, aad []byte) ([]byte, error) {
	k.decryptCount.Add(1)
	out, err := k.decryptInner(envelope, aad)
	if err != nil {
		k.decryptFailCount.Add(1)
	}
	return out, err
}

func (k *KeyRing) decryptInner(envelope, aad []byte) ([]byte, error) {
	if len(envelope) < headerSize+tagSize {
		return nil, decryptErr(DecryptFailureMalformedEnvelope, nil)
	}
	if len(envelope) > k.limits.MaxCiphertext {
		return nil, decryptErr(DecryptFailurePayloadTooLarge, nil)
	}
	if string(envelope[0:8]) != envelopeMagic {
		return nil, decryptErr(DecryptFailureMalformedEnvelope, nil)
	}
	if len(aad) == 0 {
		return nil, newErr(ErrAadRequired, "aad required but empty")
	}
	if len(aad) > MaxAadLen {
		return nil, newErr(ErrAadTooLarge, "aad too large: %d > %d", len(aad), MaxAadLen)
	}

	version := binary.LittleEndian.Uint32(envelope[8:12])
	if version < minSupportedVer || version > currentVersion {
		return nil, decryptErr(DecryptFailureUnsupportedVersion, func(f *DecryptFailure) { f.Version = version })
	}

	algByte := envelope[12]
	if algByte != algXChaCha20Poly {
		return nil, decryptErr(DecryptFailureUnsupportedAlgorithm, func(f *DecryptFailure) { f.Alg = algByte })
	}

	keyID := binary.LittleEndian.Uint32(envelope[13:17])
	nonce := envelope[17:41]
	ciphertextWithTag := envelope[headerSize:]
	if len(ciphertextWithTag) < tagSize {
		return nil, decryptErr(DecryptFailureMalformedEnvelope, nil)
	}

	k.mu.RLock()
	entry, ok := k.store.keys[keyID]
	if !ok {
		k.mu.RUnlock()
		return nil, decryptErr(DecryptFailureKeyNotFound, func(f *DecryptFailure) { f.KeyID = keyID })
	}
	var keyCopy [keySize]byte
	copy(keyCopy[:], entry.secret[:])
	k.mu.RUnlock()

	aead, err := chacha20poly1305.NewX(keyCopy[:])
	keyCopy = [keySize]byte{}
	if err != nil {
		return nil, decryptErr(DecryptFailureKeyNotFound, func(f *DecryptFailure) { f.KeyID = keyID })
	}

	plaintext, err := aead.Open(nil, nonce, ciphertextWithTag, aad)
	if err != nil {
		return nil, decryptErr(DecryptFailureAuthenticationFailed, nil)
	}

	if len(plaintext) > k.limits.MaxPlaintext {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, decryptErr(DecryptFailurePayloadTooLarge, nil)
	}

	return plaintext, nil
}
