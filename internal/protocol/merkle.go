package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// EmptyMerkleRoot is the sentinel root of a tree with no leaves.
var EmptyMerkleRoot = strings.Repeat("0", 64)

type MerkleStep struct {
	Position string `json:"position"`
	Hash     string `json:"hash"`
}

// ComputeMerkleRoot builds a binary Merkle root over hex-encoded SHA-256
// digests. Adjacent leaves pair left to right; an odd-length level pairs its
// last element with itself. A single leaf is its own root.
func ComputeMerkleRoot(leafHashes []string) (string, error) {
	if len(leafHashes) == 0 {
		return EmptyMerkleRoot, nil
	}
	if len(leafHashes) == 1 {
		return leafHashes[0], nil
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// ComputeMerkleProof records, level by level, the sibling of the node at
// leafIndex. When the node is the last element of an odd-length level its
// sibling is its own hash; that is a valid proof step, not an error.
func ComputeMerkleProof(leafHashes []string, leafIndex int) ([]MerkleStep, error) {
	if leafIndex < 0 || leafIndex >= len(leafHashes) {
		return nil, errors.New("leaf index out of range")
	}
	level, err := decodeLeaves(leafHashes)
	if err != nil {
		return nil, err
	}
	path := make([]MerkleStep, 0)
	idx := leafIndex
	for len(level) > 1 {
		if idx%2 == 0 {
			sibling := level[idx]
			if idx+1 < len(level) {
				sibling = level[idx+1]
			}
			path = append(path, MerkleStep{Position: "right", Hash: hex.EncodeToString(sibling)})
		} else {
			path = append(path, MerkleStep{Position: "left", Hash: hex.EncodeToString(level[idx-1])})
		}
		level = nextLevel(level)
		idx = idx / 2
	}
	return path, nil
}

// VerifyMerkleProof re-derives the root from an entry hash and a proof path
// and compares it to the committed root.
func VerifyMerkleProof(entryHash string, proof []MerkleStep, root string) (bool, error) {
	acc, err := hex.DecodeString(entryHash)
	if err != nil {
		return false, err
	}
	for _, step := range proof {
		sibling, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false, err
		}
		switch step.Position {
		case "left":
			acc = nodeHash(sibling, acc)
		case "right":
			acc = nodeHash(acc, sibling)
		default:
			return false, errors.New("invalid proof position")
		}
	}
	return hex.EncodeToString(acc) == root, nil
}

func decodeLeaves(leafHashes []string) ([][]byte, error) {
	level := make([][]byte, 0, len(leafHashes))
	for _, leaf := range leafHashes {
		b, err := hex.DecodeString(leaf)
		if err != nil {
			return nil, err
		}
		level = append(level, b)
	}
	return level, nil
}

func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		left := level[i]
		right := left
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, nodeHash(left, right))
	}
	return next
}

func nodeHash(left, right []byte) []byte {
	msg := make([]byte, 0, len(left)+len(right))
	msg = append(msg, left...)
	msg = append(msg, right...)
	h := sha256.Sum256(msg)
	out := make([]byte, len(h))
	copy(out, h[:])
	return out
}
