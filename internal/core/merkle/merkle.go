// Package merkle builds a hash tree over the append-only event log so any
// replica can prove an event's membership in the authoritative log without
// transferring the log itself.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrLeafOutOfRange = errors.New("leaf index out of range")

// ProofStep is one sibling hash on the path from a leaf to the root. Left
// reports whether the sibling sits on the left of the running hash.
type ProofStep struct {
	Hash []byte `json:"hash"`
	Left bool   `json:"left"`
}

// Proof is the inclusion path for one leaf, innermost sibling first.
type Proof []ProofStep

// Tree is an in-memory Merkle tree over pre-hashed leaves. Interior nodes
// hash the concatenation of their children; a node without a right sibling
// is promoted unchanged, so a single leaf's root is the leaf itself.
type Tree struct {
	levels [][][]byte
}

// New builds the tree bottom-up from leaf hashes in log order.
func New(leaves [][]byte) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}
	level := make([][]byte, len(leaves))
	copy(level, leaves)
	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels}
}

// Root returns the tree root, nil for an empty tree.
func (t *Tree) Root() []byte {
	if len(t.levels) == 0 {
		return nil
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// RootHex returns the hex-encoded root, "" for an empty tree.
func (t *Tree) RootHex() string {
	root := t.Root()
	if root == nil {
		return ""
	}
	return hex.EncodeToString(root)
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	if len(t.levels) == 0 {
		return 0
	}
	return len(t.levels[0])
}

// Proof returns the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (Proof, error) {
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("%w: %d of %d", ErrLeafOutOfRange, index, t.Size())
	}
	proof := Proof{}
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling < len(level) {
			step := ProofStep{Hash: level[sibling], Left: sibling < index}
			proof = append(proof, step)
		}
		index /= 2
	}
	return proof, nil
}

// Verify walks the proof from leaf to root and compares against root.
func Verify(leaf []byte, proof Proof, root []byte) bool {
	if len(leaf) == 0 || len(root) == 0 {
		return false
	}
	current := leaf
	for _, step := range proof {
		if step.Left {
			current = hashPair(step.Hash, current)
		} else {
			current = hashPair(current, step.Hash)
		}
	}
	return hex.EncodeToString(current) == hex.EncodeToString(root)
}

func hashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
