// Package wal implements a write-ahead log for consensus crash recovery.
//
// The consensus controller persists every proposal, vote and quorum
// certificate it acts upon, and a state record on every step transition,
// before acting. After a restart the log is replayed from the EndHeight
// marker of the last committed height to restore the round, step and lock.
//
// # File Format
//
// Records are appended to numbered segments (wal-00000, wal-00001, ...).
// Each record is framed as
//
//	[4 bytes: length][N bytes: CBOR-encoded Message][4 bytes: CRC32]
//
// A torn record at the tail of the newest segment is truncated on Start.
//
// # Rotation and Cleanup
//
// A segment rotates once it exceeds the configured size. Checkpoint deletes
// leading segments whose records all belong to heights at or below the
// checkpoint; the current segment is never removed.
package wal
