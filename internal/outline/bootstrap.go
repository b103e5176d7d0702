package outline

import (
	"time"

	"github.com/mesh-intelligence/loom/internal/crdt"
)

// Bootstrap coordination: when several clients open the same empty document
// concurrently, exactly one may seed the initial content. The claim lives
// in the preferences map as a single LWW register, so racing claimants
// converge to one winner after merge. Winning locally proves nothing: a
// claimant must re-check the claim after the next merge and may discover it
// lost. First writer wins, but verify after merge, not before.

// prefBootstrapClaim holds the claim register. Completion lives in its own
// register (prefBootstrapDone) written only as true, so a concurrent claim
// carrying a later stamp can overwrite the claim but never the completion.
const (
	prefBootstrapClaim = "bootstrapClaim"
	prefBootstrapDone  = "bootstrapDone"
)

// BootstrapClaim is the replicated claim record.
type BootstrapClaim struct {
	ClaimantID string `json:"claimantId"`
	ClaimedAt  int64  `json:"claimedAt"` // unix milliseconds
}

// ClaimResult reports the outcome of a claim attempt.
type ClaimResult struct {
	Claimed bool
	// Completed is true when seeding already finished somewhere, so the
	// caller should not wait around to retry.
	Completed bool
}

// ClaimBootstrap attempts to take the bootstrap claim for claimantID.
// Returns Claimed=false when seeding has completed, or when another
// claimant holds a claim younger than expiry (zero expiry never expires
// claims). A lost claim is an expected outcome, not an error: back off,
// do not retry with force.
func (d *Document) ClaimBootstrap(origin crdt.Origin, claimantID string, expiry time.Duration) ClaimResult {
	var result ClaimResult
	_ = d.Transact(origin, func(txn *Txn) error {
		var done bool
		if txn.Preference(prefBootstrapDone, &done) && done {
			result = ClaimResult{Claimed: false, Completed: true}
			return nil
		}
		var cur BootstrapClaim
		if txn.Preference(prefBootstrapClaim, &cur) {
			if cur.ClaimantID != "" && cur.ClaimantID != claimantID && !claimExpired(cur, expiry) {
				return nil // someone else holds it; back off
			}
		}
		txn.SetPreference(prefBootstrapClaim, BootstrapClaim{
			ClaimantID: claimantID,
			ClaimedAt:  time.Now().UnixMilli(),
		})
		result = ClaimResult{Claimed: true}
		return nil
	})
	return result
}

// HoldsBootstrapClaim re-checks the claim after a merge. The claimant that
// observed no conflict locally must call this before seeding and believe
// the answer.
func (d *Document) HoldsBootstrapClaim(claimantID string) bool {
	if d.BootstrapCompleted() {
		return false
	}
	var cur BootstrapClaim
	if !d.Preference(prefBootstrapClaim, &cur) {
		return false
	}
	return cur.ClaimantID == claimantID
}

// MarkBootstrapComplete records that seeding finished. The done register is
// only ever written true, so no merge order can unset it: completion is
// monotonic, and ClaimBootstrap refuses all later claims.
func (d *Document) MarkBootstrapComplete(origin crdt.Origin, claimantID string) {
	_ = d.Transact(origin, func(txn *Txn) error {
		txn.SetPreference(prefBootstrapDone, true)
		txn.SetPreference(prefBootstrapClaim, BootstrapClaim{
			ClaimantID: claimantID,
			ClaimedAt:  time.Now().UnixMilli(),
		})
		return nil
	})
}

// ReleaseBootstrapClaim clears the caller's own claim so another replica
// can retry after a failed seed. Releasing a claim held by someone else is
// a no-op.
func (d *Document) ReleaseBootstrapClaim(origin crdt.Origin, claimantID string) {
	_ = d.Transact(origin, func(txn *Txn) error {
		var done bool
		if txn.Preference(prefBootstrapDone, &done) && done {
			return nil
		}
		var cur BootstrapClaim
		if !txn.Preference(prefBootstrapClaim, &cur) {
			return nil
		}
		if cur.ClaimantID != claimantID {
			return nil
		}
		txn.SetPreference(prefBootstrapClaim, BootstrapClaim{})
		return nil
	})
}

// BootstrapCompleted reports whether seeding has finished on any replica
// this one has merged.
func (d *Document) BootstrapCompleted() bool {
	var done bool
	return d.Preference(prefBootstrapDone, &done) && done
}

// claimExpired reports whether a claim is old enough to be treated as
// abandoned by a crashed claimant.
func claimExpired(c BootstrapClaim, expiry time.Duration) bool {
	if expiry <= 0 {
		return false
	}
	claimed := time.UnixMilli(c.ClaimedAt)
	return time.Since(claimed) > expiry
}
