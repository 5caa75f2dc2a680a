// Package privval implements private validator functionality with double-sign prevention.
//
// A private validator holds the Ed25519 key used for signing proposals,
// prevotes and precommits. Its job is to make sure this node never signs two
// different messages at the same height/round/step, even across restarts.
//
// # Double-Sign Prevention
//
// LastSignState tracks the last position signed and the hash of the bytes
// signed there. Before signing, the validator checks:
//
//  1. Never regress to a lower height, round or step
//  2. At the same position, only return the cached signature for identical
//     sign bytes (idempotent re-signing after a WAL replay)
//  3. Persist the new state before releasing the signature
//
// # Implementations
//
// FilePV keeps the key and the sign state in two JSON files; the state file
// is replaced atomically. MemoryPV keeps the state in memory and is used by
// tests and the in-process demo network.
package privval
