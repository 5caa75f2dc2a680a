// Package types defines the core data structures of the Overlord consensus
// protocol.
//
// # Core Types
//
// Height, Round, Step: a height is one instance of the decision problem, a
// round is one attempt within it and a step is a sub-phase of a round
// (propose, prevote, precommit, commit).
//
// Validator / ValidatorSet: an ordered, immutable set of validators bound to a
// height. Each validator carries a propose weight (leader selection) and a
// vote weight (quorum accounting). The quorum is the smallest weight strictly
// above 2W/3.
//
// Proposal: a leader's signed value for one (height, round). A re-proposed
// value carries the round it was first certified in and the prevote QC (POL)
// of that round.
//
// Vote: a signed prevote or precommit for a content hash or nil. Validators
// sign the same canonical bytes for the same (height, round, step, value), so
// votes can be aggregated.
//
// QuorumCertificate: an aggregate signature plus an RLE+ signer bitmap proving
// quorum weight voted for a value.
//
// Evidence: duplicate votes and duplicate proposals, kept for slashing.
//
// # Serialization
//
// All wire and persisted structures use canonical CBOR. Wire messages are
// framed as [version][type][payload]; messages with an unknown version or type
// are rejected.
//
// # Immutability
//
// ValidatorSet never exposes its internal validators for modification, and
// Copy methods return deep copies so stored votes and proposals cannot be
// changed by callers.
package types
