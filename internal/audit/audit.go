// Package audit implements the tamper-evident audit log: an append-only
// hash chain of governance events with an incremental Merkle tree for
// inclusion proofs, pluggable storage, range queries, and CloudEvents
// export.
package audit
