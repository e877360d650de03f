// Package audit provides the deterministic hash-chain primitive shared
// by every append-only log in the engine: AuditLog entries (§3, §8) and
// the IntegrityRegistry chain (§4.10). Both satisfy the same invariant
// — hash_signature = H(previous_hash ‖ canonical(record)) — so the
// function lives in one place rather than being reimplemented per
// caller. Grounded on the teacher's infrastructure/crypto hashing
// helpers (sha256 over a canonical byte join).
package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChainHash computes H(previousHash ‖ canonical) with SHA-256, the
// primitive behind every hash_signature in the system.
func ChainHash(previousHash, canonical string) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write([]byte("|"))
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}

// FileHash computes the SHA-256 digest of artifact bytes, used by
// IntegrityRegistry.Seal for dossiers and exhibits.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
