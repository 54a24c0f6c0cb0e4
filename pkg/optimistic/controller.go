// Package optimistic implements the apply-then-reconcile mutation
// controller: the reducer applies a status change to its local view of a
// case immediately, tracks the mutation pending server confirmation, and
// rolls it back if the server ultimately rejects or the outbox dead-letters
// the corresponding intent.
package optimistic

import (
	"crypto/rand"
	"fmt"

	"github.com/fieldrelay/syncore/pkg/model"
)

// MutationID identifies one in-flight optimistic mutation.
type MutationID string

func newMutationID() MutationID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return MutationID(fmt.Sprintf("%x", b))
}

// PendingClaim tracks a ClaimCase intent applied optimistically: the case's
// local status flips to Claimed immediately, reconciled once the server
// confirms or rejects the claim.
type PendingClaim struct {
	CaseID           model.CaseId
	IdempotencyKey   model.IdempotencyKey
	OriginalStatus   model.CaseStatus
	OriginalAssignee *model.UserId
	MutationID       MutationID
	CreatedAtMs      model.UnixTimeMs
	AttemptCount     uint32
}

// NewPendingClaim records the pre-mutation state needed to roll back.
func NewPendingClaim(caseID model.CaseId, originalStatus model.CaseStatus, originalAssignee *model.UserId) *PendingClaim {
	idemKey, _ := model.NewIdempotencyKey(string(newMutationID()))
	return &PendingClaim{
		CaseID:           caseID,
		IdempotencyKey:   idemKey,
		OriginalStatus:   originalStatus,
		OriginalAssignee: originalAssignee,
		MutationID:       newMutationID(),
		CreatedAtMs:      model.Now(),
		AttemptCount:     1,
	}
}

// IncrementAttempt records a retry of the underlying ClaimCase intent.
func (p *PendingClaim) IncrementAttempt() { p.AttemptCount++ }

// OptimisticMutation tracks a TransitionCase intent applied optimistically:
// the reducer flips the case's status before the server round trip
// completes and reconciles (commit or rollback) once it does.
type OptimisticMutation struct {
	MutationID       MutationID
	CaseID           model.CaseId
	OriginalStatus   model.CaseStatus
	OriginalAssignee *model.UserId
	NewStatus        model.CaseStatus
	CreatedAtMs      model.UnixTimeMs
}

// NewOptimisticMutation records a status transition pending confirmation.
func NewOptimisticMutation(caseID model.CaseId, originalStatus model.CaseStatus, originalAssignee *model.UserId, newStatus model.CaseStatus) *OptimisticMutation {
	return &OptimisticMutation{
		MutationID:       newMutationID(),
		CaseID:           caseID,
		OriginalStatus:   originalStatus,
		OriginalAssignee: originalAssignee,
		NewStatus:        newStatus,
		CreatedAtMs:      model.Now(),
	}
}

// Controller tracks every pending claim and pending generic mutation keyed
// by case id / mutation id respectively, so the reducer can reconcile them
// against outbox completions and failures.
type Controller struct {
	pendingClaims    map[model.CaseId]*PendingClaim
	pendingMutations map[MutationID]*OptimisticMutation
}

// New constructs an empty Controller.
func New() *Controller {
	return &Controller{
		pendingClaims:    make(map[model.CaseId]*PendingClaim),
		pendingMutations: make(map[MutationID]*OptimisticMutation),
	}
}

// BeginClaim records a new pending claim, returning it for the caller to
// apply to its local case view. Fails if caseID already has one pending.
func (c *Controller) BeginClaim(caseID model.CaseId, originalStatus model.CaseStatus, originalAssignee *model.UserId) (*PendingClaim, error) {
	if _, exists := c.pendingClaims[caseID]; exists {
		return nil, newReconcileErr(ErrClaimAlreadyPending, "case %s already has a pending claim", caseID)
	}
	claim := NewPendingClaim(caseID, originalStatus, originalAssignee)
	c.pendingClaims[caseID] = claim
	return claim, nil
}

// PendingClaim returns the in-flight claim for caseID, if any.
func (c *Controller) PendingClaim(caseID model.CaseId) (*PendingClaim, bool) {
	claim, ok := c.pendingClaims[caseID]
	return claim, ok
}

// ResolveClaim removes the tracked claim, committing or rolling back being
// the caller's responsibility (it already has OriginalStatus/Assignee to
// restore on rollback).
func (c *Controller) ResolveClaim(caseID model.CaseId) (*PendingClaim, error) {
	claim, ok := c.pendingClaims[caseID]
	if !ok {
		return nil, newReconcileErr(ErrNoSuchClaim, "no pending claim for case %s", caseID)
	}
	delete(c.pendingClaims, caseID)
	return claim, nil
}

// BeginMutation records a new pending status-transition mutation.
func (c *Controller) BeginMutation(caseID model.CaseId, originalStatus model.CaseStatus, originalAssignee *model.UserId, newStatus model.CaseStatus) *OptimisticMutation {
	m := NewOptimisticMutation(caseID, originalStatus, originalAssignee, newStatus)
	c.pendingMutations[m.MutationID] = m
	return m
}

// ResolveMutation removes and returns the tracked mutation, if any.
func (c *Controller) ResolveMutation(id MutationID) (*OptimisticMutation, error) {
	m, ok := c.pendingMutations[id]
	if !ok {
		return nil, newReconcileErr(ErrNoSuchMutation, "no pending mutation %s", id)
	}
	delete(c.pendingMutations, id)
	return m, nil
}

// PendingMutationsForCase returns every mutation still pending against
// caseID, in no particular order.
func (c *Controller) PendingMutationsForCase(caseID model.CaseId) []*OptimisticMutation {
	var out []*OptimisticMutation
	for _, m := range c.pendingMutations {
		if m.CaseID == caseID {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears all pending claims and mutations, used on logout/session
// reset where no rollback target exists anymore.
func (c *Controller) Reset() {
	c.pendingClaims = make(map[model.CaseId]*PendingClaim)
	c.pendingMutations = make(map[MutationID]*OptimisticMutation)
}

// PendingClaimCount returns the number of in-flight claims, for debug/metrics.
func (c *Controller) PendingClaimCount() int { return len(c.pendingClaims) }

// PendingMutationCount returns the number of in-flight mutations.
func (c *Controller) PendingMutationCount() int { return len(c.pendingMutations) }

// MutationTimeoutMs is the pessimistic safety net: a pending mutation or
// claim older than this is rolled back by ExpireStale even without a server
// reply.
const MutationTimeoutMs = 30_000

func elapsedMs(createdAt, now model.UnixTimeMs) uint64 {
	if now <= createdAt {
		return 0
	}
	return uint64(now) - uint64(createdAt)
}

// ExpireStale rolls back every claim and mutation older than
// MutationTimeoutMs as of now, returning what was evicted so the reducer can
// restore local projections and log a timeout for each.
func (c *Controller) ExpireStale(now model.UnixTimeMs) (claims []*PendingClaim, mutations []*OptimisticMutation) {
	for caseID, claim := range c.pendingClaims {
		if elapsedMs(claim.CreatedAtMs, now) >= MutationTimeoutMs {
			claims = append(claims, claim)
			delete(c.pendingClaims, caseID)
		}
	}
	for id, m := range c.pendingMutations {
		if elapsedMs(m.CreatedAtMs, now) >= MutationTimeoutMs {
			mutations = append(mutations, m)
			delete(c.pendingMutations, id)
		}
	}
	return claims, mutations
}
