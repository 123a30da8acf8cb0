package treehash

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"
)

func TestSum_OneMiBFile_TreeHashEqualsPlainSHA256(t *testing.T) {
	data := make([]byte, LeafSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	result, err := Sum(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}

	want := sha256.Sum256(data)
	if result.Linear != Digest(want) {
		t.Errorf("linear hash mismatch")
	}
	// A single 1 MiB leaf is its own tree hash.
	if result.Tree != Digest(want) {
		t.Errorf("tree hash of a single leaf should equal its own SHA-256")
	}
}

func TestSum_FiveMiBPlusOneByte_TwoPartGeometry(t *testing.T) {
	// Mirrors scenario 2 in the spec: a 5 MiB+1B file split into a 4 MiB
	// part (four leaves) and a 1 MiB+1B part (two leaves: 1 MiB then 1B).
	total := 5*LeafSize + 1
	data := make([]byte, total)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	partSize := 4 * LeafSize
	part0 := data[:partSize]
	part1 := data[partSize:]

	part0Result, err := Sum(bytes.NewReader(part0), int64(len(part0)))
	if err != nil {
		t.Fatalf("Sum part0: %v", err)
	}
	part1Result, err := Sum(bytes.NewReader(part1), int64(len(part1)))
	if err != nil {
		t.Fatalf("Sum part1: %v", err)
	}

	var part0Leaves []Digest
	for i := 0; i < 4; i++ {
		leaf := sha256.Sum256(part0[i*LeafSize : (i+1)*LeafSize])
		part0Leaves = append(part0Leaves, Digest(leaf))
	}
	wantPart0Tree := CombineLeaves(part0Leaves)
	if part0Result.Tree != wantPart0Tree {
		t.Errorf("part0 tree hash mismatch")
	}

	leaf0 := sha256.Sum256(part1[:LeafSize])
	leaf1 := sha256.Sum256(part1[LeafSize:])
	wantPart1Tree := CombineLeaves([]Digest{Digest(leaf0), Digest(leaf1)})
	if part1Result.Tree != wantPart1Tree {
		t.Errorf("part1 tree hash mismatch")
	}

	archiveHash := CombineLeaves([]Digest{part0Result.Tree, part1Result.Tree})
	manualArchiveHash := sha256Concat(part0Result.Tree, part1Result.Tree)
	if archiveHash != manualArchiveHash {
		t.Errorf("archive hash composition mismatch")
	}
}

func TestSum_Deterministic(t *testing.T) {
	data := make([]byte, 3*LeafSize+17)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	r1, err := Sum(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Sum #1: %v", err)
	}
	r2, err := Sum(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Sum #2: %v", err)
	}
	if r1 != r2 {
		t.Fatalf("Sum is not deterministic across runs")
	}
}

func TestCombineLeaves_SingleLeafIsIdentity(t *testing.T) {
	leaf := Digest(sha256.Sum256([]byte("leaf")))
	if got := CombineLeaves([]Digest{leaf}); got != leaf {
		t.Errorf("CombineLeaves with a single leaf should be the identity")
	}
}

func TestCombineLeaves_OddTailCarriesForward(t *testing.T) {
	// Three leaves: (0,1) combine at height 2, then (combined,2) combine at
	// height 3. Verify this matches manual pairwise combination.
	leaves := make([]Digest, 3)
	for i := range leaves {
		leaves[i] = Digest(sha256.Sum256([]byte{byte(i)}))
	}

	got := CombineLeaves(leaves)
	want := sha256Concat(sha256Concat(leaves[0], leaves[1]), leaves[2])
	if got != want {
		t.Errorf("CombineLeaves() = %x, want %x", got, want)
	}
}

func TestSum_EmptyRange(t *testing.T) {
	result, err := Sum(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	want := Digest(sha256.Sum256(nil))
	if result.Linear != want || result.Tree != want {
		t.Errorf("empty range should hash to SHA-256 of empty string")
	}
}

func TestLinearOnly(t *testing.T) {
	data := []byte("some part bytes")
	got, err := LinearOnly(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("LinearOnly: %v", err)
	}
	want := Digest(sha256.Sum256(data))
	if got != want {
		t.Errorf("LinearOnly() = %x, want %x", got, want)
	}
}

func sha256Concat(a, b Digest) Digest {
	h := sha256.New()
	_, _ = io.Copy(h, bytes.NewReader(a[:]))
	_, _ = io.Copy(h, bytes.NewReader(b[:]))
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
