// Package merkle builds the append-friendly binary Merkle tree used by the
// Canonical Ledger (one leaf per settlement) and by the policy engine's
// per-decision attestation receipt (a fixed 3-leaf tree of
// policy/context/decision hashes). Odd leaf counts promote the last leaf by
// duplicating it, the common construction for append-only trees.
package merkle

import "crypto/sha256"

// Tree is an immutable snapshot of a Merkle tree over a leaf set.
type Tree struct {
	levels [][][]byte // levels[0] = leaves, levels[len-1] = [root]
}

func hashPair(a, b []byte) []byte {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}

// Build constructs a Tree from leaves, in order. Leaves must already be
// hashed (e.g. sha256 of the canonical ledger payload) — Build never
// re-hashes them, only combines them.
func Build(leaves [][]byte) Tree {
	if len(leaves) == 0 {
		return Tree{levels: [][][]byte{{}}}
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i])) // duplicate-last promotion
			}
		}
		levels = append(levels, next)
		level = next
	}
	return Tree{levels: levels}
}

// Root returns the tree's root hash, or nil for an empty tree.
func (t Tree) Root() []byte {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return nil
	}
	return top[0]
}

// Proof is the sibling-hash path from a leaf to the root.
type Proof struct {
	LeafIndex int
	Siblings  [][]byte // ordered leaf-to-root
	// IsRight[i] is true when Siblings[i] is the right sibling of the node
	// at that level (i.e. the accumulated hash is hashed on the left).
	IsRight []bool
}

// ProofFor returns the inclusion proof for the leaf at index.
func (t Tree) ProofFor(index int) (Proof, bool) {
	if index < 0 || index >= len(t.levels[0]) {
		return Proof{}, false
	}
	proof := Proof{LeafIndex: index}
	idx := index
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling []byte
		isRight := false
		if idx%2 == 0 {
			if idx+1 < len(nodes) {
				sibling = nodes[idx+1]
			} else {
				sibling = nodes[idx] // duplicate-last promotion mirrors Build
			}
			isRight = true
		} else {
			sibling = nodes[idx-1]
			isRight = false
		}
		proof.Siblings = append(proof.Siblings, sibling)
		proof.IsRight = append(proof.IsRight, isRight)
		idx /= 2
	}
	return proof, true
}

// Verify reconstructs the root from leaf and proof and compares it to root.
func Verify(leaf []byte, proof Proof, root []byte) bool {
	acc := leaf
	for i, sib := range proof.Siblings {
		if proof.IsRight[i] {
			acc = hashPair(acc, sib)
		} else {
			acc = hashPair(sib, acc)
		}
	}
	if len(acc) != len(root) {
		return false
	}
	for i := range acc {
		if acc[i] != root[i] {
			return false
		}
	}
	return true
}
