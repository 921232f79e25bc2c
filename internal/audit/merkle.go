package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// The Merkle tree follows the RFC 6962 construction: leaves are hashed
// with a 0x00 prefix and interior nodes with a 0x01 prefix, and an
// unbalanced tree splits at the largest power of two smaller than its
// size. Proofs are O(log n) in size and verification cost.

func leafHash(entryHash string) [32]byte {
	raw, _ := hex.DecodeString(entryHash)
	return sha256.Sum256(append([]byte{0x00}, raw...))
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x01)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// merkleTree accumulates leaf hashes as entries are appended. The root is
// maintained incrementally as a forest of perfect subtree roots, one per
// set bit of the leaf count.
type merkleTree struct {
	leaves [][32]byte
	forest [][32]byte // perfect subtree roots, largest first
}

func newMerkleTree() *merkleTree {
	return &merkleTree{}
}

// add appends a leaf for the given entry hash and folds complete sibling
// subtrees together.
func (t *merkleTree) add(entryHash string) {
	leaf := leafHash(entryHash)
	t.leaves = append(t.leaves, leaf)

	t.forest = append(t.forest, leaf)
	n := uint64(len(t.leaves))
	// Each trailing zero bit of n means two equal-size subtrees to merge.
	for i := 0; i < bits.TrailingZeros64(n); i++ {
		last := len(t.forest) - 1
		t.forest[last-1] = nodeHash(t.forest[last-1], t.forest[last])
		t.forest = t.forest[:last]
	}
}

// size returns the number of leaves.
func (t *merkleTree) size() uint64 {
	return uint64(len(t.leaves))
}

// root returns the hex-encoded Merkle tree head. An empty tree hashes to
// sha256 of the empty string per RFC 6962.
func (t *merkleTree) root() string {
	if len(t.forest) == 0 {
		sum := sha256.Sum256(nil)
		return hex.EncodeToString(sum[:])
	}
	// Fold the forest right to left: smaller subtrees hang off the right.
	acc := t.forest[len(t.forest)-1]
	for i := len(t.forest) - 2; i >= 0; i-- {
		acc = nodeHash(t.forest[i], acc)
	}
	return hex.EncodeToString(acc[:])
}

// InclusionProof shows that a particular entry is covered by a tree head.
type InclusionProof struct {
	Seq      uint64   `json:"seq"`
	TreeSize uint64   `json:"tree_size"`
	Path     []string `json:"path"` // sibling hashes, leaf to root
}

// proof computes the audit path for leaf m over the current tree.
func (t *merkleTree) proof(m uint64) (*InclusionProof, error) {
	n := uint64(len(t.leaves))
	if m >= n {
		return nil, fmt.Errorf("leaf %d out of range (tree size %d)", m, n)
	}
	path := auditPath(m, t.leaves)
	hexPath := make([]string, len(path))
	for i, p := range path {
		hexPath[i] = hex.EncodeToString(p[:])
	}
	return &InclusionProof{Seq: m, TreeSize: n, Path: hexPath}, nil
}

func auditPath(m uint64, leaves [][32]byte) [][32]byte {
	n := uint64(len(leaves))
	if n <= 1 {
		return nil
	}
	k := splitPoint(n)
	if m < k {
		return append(auditPath(m, leaves[:k]), subtreeRoot(leaves[k:]))
	}
	return append(auditPath(m-k, leaves[k:]), subtreeRoot(leaves[:k]))
}

func subtreeRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 1 {
		return leaves[0]
	}
	k := splitPoint(uint64(len(leaves)))
	return nodeHash(subtreeRoot(leaves[:k]), subtreeRoot(leaves[k:]))
}

// splitPoint returns the largest power of two strictly less than n.
func splitPoint(n uint64) uint64 {
	return uint64(1) << (bits.Len64(n-1) - 1)
}

// VerifyInclusion checks an inclusion proof for entry against a tree head.
// The leaf is recomputed from the entry's contents, not its stored hash
// field, so a payload mutation fails verification even when the hash field
// was left untouched.
func VerifyInclusion(e *Entry, p *InclusionProof, root string) bool {
	if p == nil || e.Seq != p.Seq || p.Seq >= p.TreeSize {
		return false
	}

	r := leafHash(hashEntry(e))
	fn, sn := p.Seq, p.TreeSize-1
	for _, hexSibling := range p.Path {
		raw, err := hex.DecodeString(hexSibling)
		if err != nil || len(raw) != 32 {
			return false
		}
		var sibling [32]byte
		copy(sibling[:], raw)

		if sn == 0 {
			return false
		}
		if fn%2 == 1 || fn == sn {
			r = nodeHash(sibling, r)
			if fn%2 == 0 {
				for fn%2 == 0 && fn != 0 {
					fn >>= 1
					sn >>= 1
				}
			}
		} else {
			r = nodeHash(r, sibling)
		}
		fn >>= 1
		sn >>= 1
	}
	return sn == 0 && hex.EncodeToString(r[:]) == root
}
