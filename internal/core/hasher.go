package core

import (
	"crypto/sha256"
	"encoding/binary"

	"PerpSettle/internal/event"
	"PerpSettle/internal/store"
)

const GenesisHashSeed = "PerpSettle:genesis:v1"

// StateHasher chains a hash over every emitted event.
type StateHasher struct {
	prevHash event.Hash
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Resume continues a chain from a persisted tip.
func (h *StateHasher) Resume(tip event.Hash) {
	h.prevHash = tip
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || digest)
// and advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) event.Hash {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash event.Hash
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() event.Hash {
	return h.prevHash
}

// MutationDigest is the canonical digest of a commit: mutations sorted by
// key, each as len(key) || key || flag || len(value) || value.
func MutationDigest(mutations []store.Mutation) []byte {
	h := sha256.New()
	var buf [4]byte
	for _, m := range mutations {
		binary.BigEndian.PutUint32(buf[:], uint32(len(m.Key)))
		h.Write(buf[:])
		h.Write([]byte(m.Key))
		if m.Delete {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		binary.BigEndian.PutUint32(buf[:], uint32(len(m.Value)))
		h.Write(buf[:])
		h.Write(m.Value)
	}
	return h.Sum(nil)
}
