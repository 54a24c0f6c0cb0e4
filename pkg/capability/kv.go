package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	MaxKeyLength    = 512
	MaxValueSize    = 10 * 1024 * 1024
	MaxPrefixLength = 64
)

// KeyNamespace scopes a KvKey to one logical region of the store, mirroring
// the original client's fixed-namespace-plus-custom-escape-hatch design.
type KeyNamespace string

const (
	NamespaceOutbox   KeyNamespace = "outbox"
	NamespaceSession  KeyNamespace = "session"
	NamespaceCache    KeyNamespace = "cache"
	NamespaceUserData KeyNamespace = "userdata"
	NamespaceSettings KeyNamespace = "settings"
	NamespaceSync     KeyNamespace = "sync"
)

// NewCustomNamespace validates and builds a namespace outside the fixed set.
func NewCustomNamespace(prefix string) (KeyNamespace, error) {
	if prefix == "" {
		return "", newKVErr(ErrKVInvalidKey, "custom namespace cannot be empty")
	}
	if len(prefix) > MaxPrefixLength {
		return "", newKVErr(ErrKVInvalidKey, "custom namespace exceeds maximum length of %d bytes", MaxPrefixLength)
	}
	for _, c := range prefix {
		if !isAlphaNumericDashUnderscore(c) {
			return "", newKVErr(ErrKVInvalidKey, "custom namespace contains invalid characters")
		}
	}
	return KeyNamespace(prefix), nil
}

// KvKey is a validated, namespaced key.
type KvKey struct {
	namespace KeyNamespace
	key       string
}

// NewKvKey validates key against the same rules the mobile client enforces
// before it's allowed to touch durable storage: no empty/whitespace-only
// keys, no NUL bytes, no path traversal or leading separators.
func NewKvKey(namespace KeyNamespace, key string) (KvKey, error) {
	if key == "" {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key exceeds maximum length of %d bytes", MaxKeyLength)
	}
	if strings.TrimSpace(key) == "" {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key cannot be only whitespace")
	}
	if strings.Contains(key, "\x00") {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key cannot contain null bytes")
	}
	if strings.Contains(key, "..") {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key cannot contain path traversal sequences")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return KvKey{}, newKVErr(ErrKVInvalidKey, "key cannot start with path separator")
	}
	for _, c := range key {
		if c < 0x20 && c != '\t' {
			return KvKey{}, newKVErr(ErrKVInvalidKey, "key contains invalid control characters")
		}
	}
	return KvKey{namespace: namespace, key: key}, nil
}

// Raw renders the fully-qualified wire key ("namespace:key").
func (k KvKey) Raw() string { return string(k.namespace) + ":" + k.key }

// KVErrorCode enumerates the KvError taxon.
type KVErrorCode int

const (
	ErrKVInvalidKey KVErrorCode = iota
	ErrKVValueTooLarge
	ErrKVVersionConflict
	ErrKVNotFound
	ErrKVSerialization
	ErrKVBackend
)

// KVError is the single error type KVPort operations return.
type KVError struct {
	Code    KVErrorCode
	Message string
}

func (e *KVError) Error() string { return e.Message }

func newKVErr(code KVErrorCode, format string, args ...any) *KVError {
	return &KVError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// KVPort is the capability the reducer calls through for durable key-value
// storage (session tokens, sync cursors, cached server responses).
type KVPort interface {
	Get(ctx context.Context, key KvKey) ([]byte, bool, error)
	// Set writes value under key, optionally requiring the stored version to
	// equal ifVersion first (optimistic concurrency); pass nil to overwrite
	// unconditionally.
	Set(ctx context.Context, key KvKey, value []byte, ifVersion *int64) error
	Delete(ctx context.Context, key KvKey) error
	Exists(ctx context.Context, key KvKey) (bool, error)
}

// RedisKV implements KVPort over go-redis, the client library the teacher
// repo already wires for session/cache storage.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV constructs a RedisKV over an existing client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Get(ctx context.Context, key KvKey) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key.Raw()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newKVErr(ErrKVBackend, "redis GET %s: %v", key.Raw(), err)
	}
	return b, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key KvKey, value []byte, ifVersion *int64) error {
	if len(value) > MaxValueSize {
		return newKVErr(ErrKVValueTooLarge, "value too large: %d bytes exceeds maximum of %d", len(value), MaxValueSize)
	}
	if ifVersion == nil {
		if err := r.rdb.Set(ctx, key.Raw(), value, 0).Err(); err != nil {
			return newKVErr(ErrKVBackend, "redis SET %s: %v", key.Raw(), err)
		}
		return nil
	}

	// Optimistic CAS: a Lua script atomically compares the version stored in
	// the sibling "<key>:v" key with ifVersion, then sets the value and
	// increments that version.
	versionKey := key.Raw() + ":v"
	script := redis.NewScript(`
		local current = redis.call("GET", KEYS[2])
		if current == false then current = "0" end
		if current ~= ARGV[2] then
			return 0
		end
		redis.call("SET", KEYS[1], ARGV[1])
		redis.call("INCR", KEYS[2])
		return 1
	`)
	res, err := script.Run(ctx, r.rdb, []string{key.Raw(), versionKey}, value, *ifVersion).Int()
	if err != nil {
		return newKVErr(ErrKVBackend, "redis CAS SET %s: %v", key.Raw(), err)
	}
	if res == 0 {
		return newKVErr(ErrKVVersionConflict, "version conflict writing %s", key.Raw())
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key KvKey) error {
	if err := r.rdb.Del(ctx, key.Raw()).Err(); err != nil {
		return newKVErr(ErrKVBackend, "redis DEL %s: %v", key.Raw(), err)
	}
	return nil
}

func (r *RedisKV) Exists(ctx context.Context, key KvKey) (bool, error) {
	n, err := r.rdb.Exists(ctx, key.Raw()).Result()
	if err != nil {
		return false, newKVErr(ErrKVBackend, "redis EXISTS %s: %v", key.Raw(), err)
	}
	return n > 0, nil
}
