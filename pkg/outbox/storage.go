package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldrelay/syncore/pkg/model"
)

// ErrCASConflict is returned by Storage.Persist when the stored row's
// version no longer matches the caller's expected version.
var ErrCASConflict = errors.New("outbox storage: compare-and-swap conflict")

// QuarantineRecord describes an entry that failed to deserialize on load.
// It is held for inspection and never silently dropped.
type QuarantineRecord struct {
	OpID     model.OpId
	Err      error
	LoadedAt model.UnixTimeMs
}

// Storage is the byte-level durable storage port the engine persists
// through. Implementations own the compare-and-swap contract: Persist must
// succeed only if the stored row's version equals expectedVersion (or the
// row doesn't exist yet and expectedVersion == 0), else return
// ErrCASConflict.
type Storage interface {
	// Load returns every entry found durable, plus any rows that failed to
	// deserialize (quarantined, never silently dropped).
	Load(ctx context.Context) (entries []Entry, quarantined []QuarantineRecord, err error)

	// Persist writes entry under optimistic concurrency control.
	Persist(ctx context.Context, entry Entry, expectedVersion uint64) error

	// Delete removes a row permanently (used by PruneCompleted).
	Delete(ctx context.Context, opID model.OpId) error
}

// MemoryStorage is a Storage implementation backed by an in-process map. It
// is the reference used by tests and by hosts that don't need cross-process
// durability (the mobile client snapshot that round-trips through
// pkg/offlinestore instead).
type MemoryStorage struct {
	mu   sync.Mutex
	rows map[model.OpId]Entry
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{rows: make(map[model.OpId]Entry)}
}

// Load implements Storage.
func (s *MemoryStorage) Load(_ context.Context) ([]Entry, []QuarantineRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, e.clone())
	}
	return out, nil, nil
}

// Persist implements Storage.
func (s *MemoryStorage) Persist(_ context.Context, entry Entry, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[entry.OpID]
	if !ok {
		if expectedVersion != 0 {
			return ErrCASConflict
		}
	} else if existing.Version != expectedVersion {
		return ErrCASConflict
	}

	s.rows[entry.OpID] = entry.clone()
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, opID model.OpId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, opID)
	return nil
}
