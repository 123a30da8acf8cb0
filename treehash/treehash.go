// Package treehash computes the two checksums a cold-storage multipart
// upload needs per part: a plain linear SHA-256 over the whole byte range,
// and Glacier's SHA-256 binary Merkle "tree hash" over 1 MiB leaves. Both
// are produced in a single streaming pass bounded to one 1 MiB chunk buffer
// plus O(log N) intermediate digests, independent of the range size.
package treehash

import (
	"crypto/sha256"
	"fmt"
	"io"
)

// LeafSize is the fixed Glacier tree-hash leaf size: every leaf but
// possibly the last covers exactly this many bytes.
const LeafSize = 1 << 20 // 1 MiB

// Digest is a SHA-256 output.
type Digest [sha256.Size]byte

// Hex renders the digest as lowercase hex, the form backends put on the
// wire (x-amz-sha256-tree-hash, x-amz-content-sha256).
func (d Digest) Hex() string {
	return fmt.Sprintf("%x", d[:])
}

// Result is the pair of checksums produced for one byte range.
type Result struct {
	Linear Digest
	Tree   Digest
}

// level is one entry on the online stack-merge stack: a digest and the
// height at which it was produced (1 = leaf).
type level struct {
	digest Digest
	height int
}

// Sum streams r (expected to yield exactly size bytes) and returns the
// linear and tree-hash digests over it. size is not used: the read buffer
// is always one LeafSize chunk, and Sum does not fail if r yields a
// different number of bytes, it simply hashes whatever it reads.
func Sum(r io.Reader, size int64) (Result, error) {
	linear := sha256.New()
	var stack []level

	buf := make([]byte, LeafSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := linear.Write(chunk); err != nil {
				return Result{}, fmt.Errorf("write linear hash: %w", err)
			}
			leaf := sha256.Sum256(chunk)
			stack = pushLeaf(stack, Digest(leaf))
		}

		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Result{}, fmt.Errorf("read chunk: %w", readErr)
		}
	}

	tree, err := collapse(stack)
	if err != nil {
		return Result{}, err
	}

	var linearDigest Digest
	copy(linearDigest[:], linear.Sum(nil))

	return Result{Linear: linearDigest, Tree: tree}, nil
}

// pushLeaf pushes a new leaf (height 1) onto the stack, then repeatedly
// combines the top two entries while they share the same height — the
// "online stack-merging" rule from the spec.
func pushLeaf(stack []level, leaf Digest) []level {
	stack = append(stack, level{digest: leaf, height: 1})
	for len(stack) >= 2 {
		top := stack[len(stack)-1]
		second := stack[len(stack)-2]
		if top.height != second.height {
			break
		}
		combined := combine(second.digest, top.digest)
		stack = stack[:len(stack)-2]
		stack = append(stack, level{digest: combined, height: top.height + 1})
	}
	return stack
}

// collapse reduces the final stack to a single tree hash by repeatedly
// combining the top two entries regardless of height, carrying an odd tail
// forward unchanged until it finds a sibling.
func collapse(stack []level) (Digest, error) {
	if len(stack) == 0 {
		// Empty range: Glacier defines the tree hash of zero bytes as the
		// SHA-256 of the empty string, matching the linear hash.
		return Digest(sha256.Sum256(nil)), nil
	}
	for len(stack) > 1 {
		n := len(stack)
		right := stack[n-1]
		left := stack[n-2]
		combined := combine(left.digest, right.digest)
		stack = stack[:n-2]
		stack = append(stack, level{digest: combined, height: left.height + 1})
	}
	return stack[0].digest, nil
}

func combine(left, right Digest) Digest {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// CombineLeaves computes the tree hash for a vector of leaf digests directly,
// without re-reading bytes. Used both to verify Sum's part-level tree hash
// against the leaves it visited (testable property in §8) and, with
// part-level tree hashes as the "leaves", to compute the final archive
// checksum in Complete (§4.2's "Final archive checksum").
func CombineLeaves(leaves []Digest) Digest {
	stack := make([]level, 0, len(leaves))
	for _, leaf := range leaves {
		stack = pushLeaf(stack, leaf)
	}
	result, _ := collapse(stack)
	return result
}

// LinearOnly computes just the SHA-256 of r, for callers that don't need
// the tree structure. B2 does not use it: its per-part checksum is SHA-1,
// computed directly in backend/b2.
func LinearOnly(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, fmt.Errorf("copy into hash: %w", err)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out, nil
}
