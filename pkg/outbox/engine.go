package outbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fieldrelay/syncore/pkg/model"
)

// Config tunes one Engine instance.
type Config struct {
	WorkerID           string
	MaxEntries         int
	MaxAttempts        uint32
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	LeaseDuration      time.Duration
	RateLimitPerSecond int
	CompletedCacheSize int
	CompletedCacheTTL  time.Duration
}

// DefaultConfig returns production defaults. Tests that exercise a short
// retry schedule (e.g. MaxAttempts=3, BaseBackoff=100ms) set those fields
// themselves.
func DefaultConfig(workerID string) Config {
	return Config{
		WorkerID:           workerID,
		MaxEntries:         10000,
		MaxAttempts:        8,
		BaseBackoff:        2 * time.Second,
		MaxBackoff:         5 * time.Minute,
		LeaseDuration:      45 * time.Second,
		RateLimitPerSecond: 20,
		CompletedCacheSize: 4096,
		CompletedCacheTTL:  24 * time.Hour,
	}
}

type completedRecord struct {
	completedAt model.UnixTimeMs
}

// Metrics is a point-in-time snapshot of the engine's monotonic counters.
type Metrics struct {
	Pushed             uint64
	Completed          uint64
	Failed             uint64
	DeadLettered       uint64
	Expired            uint64
	DuplicateRejected  uint64
	RateLimitRejected  uint64
	StorageErrors      uint64
	LeaseConflicts     uint64
	InvalidTransitions uint64
}

// QueueDepth counts live entries grouped by state, intent kind, and tenant.
type QueueDepth struct {
	ByState  map[string]int
	ByIntent map[string]int
	ByTenant map[string]int
}

// Engine is the in-memory index and state machine over durable outbox
// entries: admission (push), scheduling (GetDueEntries), leasing, and the
// terminal transitions (Complete/Fail/cascade/expire/prune).
//
// The reducer and the state machine are single-threaded cooperative per
// the spec's concurrency model, but Engine itself guards its indices with
// one mutex so it is safe to call from a worker pool driving multiple
// concurrent HTTP effects.
type Engine struct {
	cfg     Config
	storage Storage
	limiter *RateLimiter

	mu         sync.Mutex
	entries    map[model.OpId]Entry
	idemIndex  map[model.IdempotencyKey]model.OpId
	quarantine map[model.OpId]QuarantineRecord
	completed  *lru.LRU[model.IdempotencyKey, completedRecord]

	metrics Metrics
}

// New constructs an Engine. Callers should call Load once at startup to
// hydrate the in-memory index from storage.
func New(storage Storage, cfg Config) *Engine {
	return &Engine{
		cfg:        cfg,
		storage:    storage,
		limiter:    NewRateLimiter(cfg.RateLimitPerSecond),
		entries:    make(map[model.OpId]Entry),
		idemIndex:  make(map[model.IdempotencyKey]model.OpId),
		quarantine: make(map[model.OpId]QuarantineRecord),
		completed:  lru.NewLRU[model.IdempotencyKey, completedRecord](cfg.CompletedCacheSize, nil, cfg.CompletedCacheTTL),
	}
}

// Load hydrates the in-memory index from durable storage, including any
// quarantined rows that failed to deserialize.
func (e *Engine) Load(ctx context.Context) error {
	rows, quarantined, err := e.storage.Load(ctx)
	if err != nil {
		return newErr(ErrStorage, "loading outbox: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, entry := range rows {
		e.entries[entry.OpID] = entry
		if !entry.State.Kind.IsTerminal() {
			e.idemIndex[entry.IdempotencyKey] = entry.OpID
		}
		if entry.State.Kind == StateCompleted {
			e.completed.Add(entry.IdempotencyKey, completedRecord{completedAt: entry.State.CompletedAt})
		}
	}
	for _, q := range quarantined {
		e.quarantine[q.OpID] = q
	}
	return nil
}

// Quarantined returns a snapshot of entries that failed to deserialize on
// load, for read-only inspection.
func (e *Engine) Quarantined() []QuarantineRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QuarantineRecord, 0, len(e.quarantine))
	for _, q := range e.quarantine {
		out = append(out, q)
	}
	return out
}

// Push admits a new entry under rate limiting, capacity, and duplicate
// checks, in the exact order the spec mandates.
func (e *Engine) Push(ctx context.Context, entry Entry) error {
	if !e.limiter.TryAcquire() {
		atomic.AddUint64((*uint64)(&e.metrics.RateLimitRejected), 1)
		return newErr(ErrRateLimited, "rate limit exceeded")
	}

	e.mu.Lock()

	if len(e.entries) >= e.cfg.MaxEntries {
		e.mu.Unlock()
		return newErr(ErrFull, "outbox is full (max %d entries)", e.cfg.MaxEntries)
	}
	if _, exists := e.entries[entry.OpID]; exists {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.DuplicateRejected), 1)
		return newErr(ErrDuplicateOpId, "op id %s already exists", entry.OpID)
	}
	if _, live := e.idemIndex[entry.IdempotencyKey]; live {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.DuplicateRejected), 1)
		return newErr(ErrDuplicateIdempotencyKey, "idempotency key %s is in flight", entry.IdempotencyKey)
	}
	if _, recent := e.completed.Get(entry.IdempotencyKey); recent {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.DuplicateRejected), 1)
		return newErr(ErrDuplicateIdempotencyKey, "idempotency key %s was recently completed", entry.IdempotencyKey)
	}

	e.entries[entry.OpID] = entry
	e.idemIndex[entry.IdempotencyKey] = entry.OpID
	e.mu.Unlock()

	if err := e.storage.Persist(ctx, entry, entry.Version); err != nil {
		e.mu.Lock()
		delete(e.entries, entry.OpID)
		delete(e.idemIndex, entry.IdempotencyKey)
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.StorageErrors), 1)
		return newErr(ErrStorage, "persisting new entry: %v", err)
	}

	atomic.AddUint64((*uint64)(&e.metrics.Pushed), 1)
	return nil
}

func (e *Engine) dependencySatisfiedLocked(entry Entry) bool {
	if entry.Intent.DependsOn == nil {
		return true
	}
	parent, ok := e.entries[*entry.Intent.DependsOn]
	if !ok {
		// Unknown predecessors are treated as satisfied (design note:
		// no pointer graph, no deadlock from a missing parent).
		return true
	}
	return parent.State.Kind == StateCompleted
}

func (e *Engine) isDueLocked(entry Entry, now model.UnixTimeMs) bool {
	switch entry.State.Kind {
	case StatePending:
		return true
	case StateRetrying:
		return !entry.State.NextAttemptAt.After(now)
	case StateInFlight:
		return !entry.State.Lease.Valid(now)
	default:
		return false
	}
}

// GetDueEntries returns up to limit entries eligible for (re)leasing,
// ordered by (priority desc, created_at asc), excluding any whose
// dependency has not yet completed.
func (e *Engine) GetDueEntries(now model.UnixTimeMs, limit int) []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()

	due := make([]Entry, 0, limit)
	for _, entry := range e.entries {
		if !e.isDueLocked(entry, now) {
			continue
		}
		if !e.dependencySatisfiedLocked(entry) {
			continue
		}
		due = append(due, entry.clone())
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].CreatedAt < due[j].CreatedAt
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due
}

func newLeaseToken() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%x", b)
}

// AcquireLease transitions opID into InFlight, minting a fresh lease, and
// CAS-persists the change. The from-state must be Pending, Retrying with an
// elapsed next_attempt_at, or InFlight with an expired lease.
func (e *Engine) AcquireLease(ctx context.Context, opID model.OpId, now model.UnixTimeMs) (Entry, Lease, error) {
	e.mu.Lock()
	entry, ok := e.entries[opID]
	if !ok {
		e.mu.Unlock()
		return Entry{}, Lease{}, newErr(ErrNotFound, "entry %s not found", opID)
	}
	if !e.isDueLocked(entry, now) {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.InvalidTransitions), 1)
		return Entry{}, Lease{}, invalidTransitionErr(entry.State.Kind.String(), StateInFlight.String(), "not eligible for lease at this time")
	}

	lease := Lease{
		Token:      newLeaseToken(),
		HolderID:   e.cfg.WorkerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(e.cfg.LeaseDuration),
	}
	updated := entry.clone()
	updated.State = EntryState{Kind: StateInFlight, StartedAt: now, Lease: lease}
	updated.Version = entry.Version + 1
	e.mu.Unlock()

	if err := e.storage.Persist(ctx, updated, entry.Version); err != nil {
		atomic.AddUint64((*uint64)(&e.metrics.LeaseConflicts), 1)
		return Entry{}, Lease{}, newErr(ErrLease, "lease conflict for %s: %v", opID, err)
	}

	e.mu.Lock()
	e.entries[opID] = updated
	e.mu.Unlock()

	return updated.clone(), lease, nil
}

// Complete transitions opID from InFlight (matching leaseToken) to
// Completed, and admits its idempotency key into the completed-cache used
// by Push's duplicate gate.
func (e *Engine) Complete(ctx context.Context, opID model.OpId, leaseToken string, now model.UnixTimeMs) error {
	e.mu.Lock()
	entry, ok := e.entries[opID]
	if !ok {
		e.mu.Unlock()
		return newErr(ErrNotFound, "entry %s not found", opID)
	}
	if entry.State.Kind != StateInFlight || entry.State.Lease.Token != leaseToken {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.InvalidTransitions), 1)
		return invalidTransitionErr(entry.State.Kind.String(), StateCompleted.String(), "lease token mismatch or not in flight")
	}

	updated := entry.clone()
	updated.State = EntryState{Kind: StateCompleted, CompletedAt: now}
	updated.Version = entry.Version + 1
	e.mu.Unlock()

	if err := e.storage.Persist(ctx, updated, entry.Version); err != nil {
		atomic.AddUint64((*uint64)(&e.metrics.LeaseConflicts), 1)
		return newErr(ErrLease, "completing %s: %v", opID, err)
	}

	e.mu.Lock()
	e.entries[opID] = updated
	delete(e.idemIndex, entry.IdempotencyKey)
	e.completed.Add(entry.IdempotencyKey, completedRecord{completedAt: now})
	e.mu.Unlock()

	atomic.AddUint64((*uint64)(&e.metrics.Completed), 1)
	return nil
}

func backoffWithJitter(base, max time.Duration, attempt uint32) time.Duration {
	shift := attempt
	if shift > 16 {
		shift = 16
	}
	backoff := base * time.Duration(math.Pow(2, float64(shift)))
	if backoff > max || backoff <= 0 {
		backoff = max
	}
	jitterMs, _ := rand.Int(rand.Reader, big.NewInt(2001))
	return backoff + time.Duration(jitterMs.Int64())*time.Millisecond
}

// Fail records a delivery failure against opID (requiring a matching
// lease), then either schedules a retry with exponential backoff and
// jitter, or dead-letters the entry when it is no longer retryable.
func (e *Engine) Fail(ctx context.Context, opID model.OpId, leaseToken string, failure IntentError, now model.UnixTimeMs) error {
	e.mu.Lock()
	entry, ok := e.entries[opID]
	if !ok {
		e.mu.Unlock()
		return newErr(ErrNotFound, "entry %s not found", opID)
	}
	if entry.State.Kind != StateInFlight || entry.State.Lease.Token != leaseToken {
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.InvalidTransitions), 1)
		return invalidTransitionErr(entry.State.Kind.String(), "retrying_or_dead_letter", "lease token mismatch or not in flight")
	}

	updated := entry.clone()
	updated.History.Append(failure)
	updated.Version = entry.Version + 1

	deadLettered := false
	switch {
	case !failure.Category.IsRetryable():
		updated.State = EntryState{Kind: StateDeadLetter, Reason: DeadLetterReason{Kind: DeadLetterNonRetryableError}, DeadAt: now}
		deadLettered = true
	case updated.History.TotalAttempts >= e.cfg.MaxAttempts:
		updated.State = EntryState{Kind: StateDeadLetter, Reason: DeadLetterReason{Kind: DeadLetterMaxRetriesExceeded}, DeadAt: now}
		deadLettered = true
	case !now.Before(entry.ExpiresAt):
		updated.State = EntryState{Kind: StateDeadLetter, Reason: DeadLetterReason{Kind: DeadLetterExpired}, DeadAt: now}
		deadLettered = true
	default:
		backoff := backoffWithJitter(e.cfg.BaseBackoff, e.cfg.MaxBackoff, updated.History.TotalAttempts)
		updated.State = EntryState{Kind: StateRetrying, NextAttemptAt: now.Add(backoff)}
	}
	e.mu.Unlock()

	if err := e.storage.Persist(ctx, updated, entry.Version); err != nil {
		atomic.AddUint64((*uint64)(&e.metrics.LeaseConflicts), 1)
		return newErr(ErrLease, "failing %s: %v", opID, err)
	}

	e.mu.Lock()
	e.entries[opID] = updated
	if deadLettered {
		delete(e.idemIndex, entry.IdempotencyKey)
	}
	e.mu.Unlock()

	atomic.AddUint64((*uint64)(&e.metrics.Failed), 1)
	if deadLettered {
		atomic.AddUint64((*uint64)(&e.metrics.DeadLettered), 1)
	}
	return nil
}

// CascadeDependencyFailure dead-letters every non-terminal entry whose
// intent depends on failedOpID, recording DependencyFailed.
func (e *Engine) CascadeDependencyFailure(ctx context.Context, failedOpID model.OpId, now model.UnixTimeMs) error {
	e.mu.Lock()
	var toUpdate []Entry
	for _, entry := range e.entries {
		if entry.State.Kind.IsTerminal() {
			continue
		}
		if entry.Intent.DependsOn == nil || *entry.Intent.DependsOn != failedOpID {
			continue
		}
		updated := entry.clone()
		updated.State = EntryState{
			Kind:   StateDeadLetter,
			Reason: DeadLetterReason{Kind: DeadLetterDependencyFailed, DependencyOpID: failedOpID},
			DeadAt: now,
		}
		updated.Version = entry.Version + 1
		toUpdate = append(toUpdate, updated)
	}
	e.mu.Unlock()

	for _, updated := range toUpdate {
		if err := e.storage.Persist(ctx, updated, updated.Version-1); err != nil {
			atomic.AddUint64((*uint64)(&e.metrics.StorageErrors), 1)
			continue
		}
		e.mu.Lock()
		e.entries[updated.OpID] = updated
		delete(e.idemIndex, updated.IdempotencyKey)
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.DeadLettered), 1)
	}
	return nil
}

// ExpireStale dead-letters every non-terminal entry whose TTL has elapsed.
func (e *Engine) ExpireStale(ctx context.Context, now model.UnixTimeMs) error {
	e.mu.Lock()
	var toUpdate []Entry
	for _, entry := range e.entries {
		if entry.State.Kind.IsTerminal() {
			continue
		}
		if now.Before(entry.ExpiresAt) {
			continue
		}
		updated := entry.clone()
		updated.State = EntryState{Kind: StateDeadLetter, Reason: DeadLetterReason{Kind: DeadLetterExpired}, DeadAt: now}
		updated.Version = entry.Version + 1
		toUpdate = append(toUpdate, updated)
	}
	e.mu.Unlock()

	for _, updated := range toUpdate {
		if err := e.storage.Persist(ctx, updated, updated.Version-1); err != nil {
			atomic.AddUint64((*uint64)(&e.metrics.StorageErrors), 1)
			continue
		}
		e.mu.Lock()
		e.entries[updated.OpID] = updated
		delete(e.idemIndex, updated.IdempotencyKey)
		e.mu.Unlock()
		atomic.AddUint64((*uint64)(&e.metrics.Expired), 1)
	}
	return nil
}

// PruneCompleted permanently removes Completed entries older than
// olderThan from durable storage and both in-memory indices.
func (e *Engine) PruneCompleted(ctx context.Context, olderThan model.UnixTimeMs) error {
	e.mu.Lock()
	var toDelete []model.OpId
	for opID, entry := range e.entries {
		if entry.State.Kind == StateCompleted && entry.State.CompletedAt.Before(olderThan) {
			toDelete = append(toDelete, opID)
		}
	}
	e.mu.Unlock()

	for _, opID := range toDelete {
		if err := e.storage.Delete(ctx, opID); err != nil {
			atomic.AddUint64((*uint64)(&e.metrics.StorageErrors), 1)
			continue
		}
		e.mu.Lock()
		delete(e.entries, opID)
		e.mu.Unlock()
	}
	return nil
}

// Get returns a snapshot of one entry by id, for debug inspection.
func (e *Engine) Get(opID model.OpId) (Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[opID]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Metrics returns a snapshot of the engine's monotonic counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		Pushed:             atomic.LoadUint64((*uint64)(&e.metrics.Pushed)),
		Completed:          atomic.LoadUint64((*uint64)(&e.metrics.Completed)),
		Failed:             atomic.LoadUint64((*uint64)(&e.metrics.Failed)),
		DeadLettered:       atomic.LoadUint64((*uint64)(&e.metrics.DeadLettered)),
		Expired:            atomic.LoadUint64((*uint64)(&e.metrics.Expired)),
		DuplicateRejected:  atomic.LoadUint64((*uint64)(&e.metrics.DuplicateRejected)),
		RateLimitRejected:  atomic.LoadUint64((*uint64)(&e.metrics.RateLimitRejected)),
		StorageErrors:      atomic.LoadUint64((*uint64)(&e.metrics.StorageErrors)),
		LeaseConflicts:     atomic.LoadUint64((*uint64)(&e.metrics.LeaseConflicts)),
		InvalidTransitions: atomic.LoadUint64((*uint64)(&e.metrics.InvalidTransitions)),
	}
}

// QueueDepth folds the in-memory index into per-state/intent/tenant counts.
func (e *Engine) QueueDepth() QueueDepth {
	e.mu.Lock()
	defer e.mu.Unlock()

	qd := QueueDepth{ByState: map[string]int{}, ByIntent: map[string]int{}, ByTenant: map[string]int{}}
	for _, entry := range e.entries {
		qd.ByState[entry.State.Kind.String()]++
		qd.ByIntent[entry.Intent.Kind.String()]++
		tenant := "none"
		if entry.TenantID != nil {
			tenant = *entry.TenantID
		}
		qd.ByTenant[tenant]++
	}
	return qd
}
