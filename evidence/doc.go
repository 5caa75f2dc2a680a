// Package evidence implements Byzantine fault detection and evidence management.
//
// The consensus controller reports two kinds of equivocation:
//
//   - DuplicateVoteEvidence: one validator signed two different values at
//     the same height/round/step.
//   - DuplicateProposalEvidence: one leader signed two different proposals
//     for the same height/round.
//
// # Evidence Validation
//
// Before accepting evidence, the pool checks:
//
//  1. Both items come from the same validator at the same position
//  2. They conflict (different values)
//  3. Both signatures verify against the validator set of that height
//  4. The evidence is not older than MaxAgeHeights
//
// # Lifecycle
//
// Pending evidence is exposed to the application through Pending. The
// application decides how to punish; consensus only records. After the
// application includes evidence on chain it calls MarkCommitted, and Update
// drops entries that aged out as heights advance.
//
// # Thread Safety
//
// The Pool uses internal locking. Multiple goroutines can safely add and
// query evidence.
package evidence
