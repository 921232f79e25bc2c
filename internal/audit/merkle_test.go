package audit

import (
	"context"
	"encoding/hex"
	"testing"

	"go.uber.org/zap"
)

func TestMerkle_rootAdvances(t *testing.T) {
	l, _ := newTestLog(t)

	prev := l.Root()
	for i := 0; i < 10; i++ {
		appendN(t, l, 1)
		curr := l.Root()
		if curr == prev {
			t.Fatalf("root did not change after append %d", i)
		}
		prev = curr
	}
}

func TestMerkle_incrementalRootMatchesRecompute(t *testing.T) {
	// The forest fold and the recursive construction must agree at every
	// size, including non powers of two.
	tree := newMerkleTree()
	for i := 0; i < 33; i++ {
		tree.add(hashEntry(&Entry{Seq: uint64(i), Actor: "a"}))
		want := subtreeRoot(tree.leaves)
		if got := tree.root(); got != hexHash(want) {
			t.Fatalf("size %d: incremental root %q != recomputed %q", i+1, got, hexHash(want))
		}
	}
}

func TestMerkle_inclusionProofs(t *testing.T) {
	for _, size := range []int{1, 2, 3, 5, 8, 13, 100} {
		l, _ := newTestLog(t)
		appendN(t, l, size)
		root := l.Root()

		for seq := uint64(0); seq < uint64(size); seq++ {
			p, err := l.InclusionProof(seq)
			if err != nil {
				t.Fatalf("size %d seq %d: %v", size, seq, err)
			}
			e, _ := l.Get(context.Background(), seq)
			if !VerifyInclusion(e, p, root) {
				t.Errorf("size %d: proof for seq %d failed", size, seq)
			}
		}
	}
}

func TestMerkle_proofOutOfRange(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, 3)
	if _, err := l.InclusionProof(3); err == nil {
		t.Error("proof for absent leaf should fail")
	}
}

func TestVerifyInclusion_rejectsTamperedEntry(t *testing.T) {
	l, _ := newTestLog(t)
	appendN(t, l, 16)
	root := l.Root()

	p, err := l.InclusionProof(7)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := l.Get(context.Background(), 7)

	forged := *e
	forged.Actor = "mallory"
	if VerifyInclusion(&forged, p, root) {
		t.Error("forged entry content must not verify")
	}

	if VerifyInclusion(e, p, l.Head()) {
		t.Error("proof must not verify against a non-root hash")
	}

	wrongSeq := *p
	wrongSeq.Seq = 8
	if VerifyInclusion(e, &wrongSeq, root) {
		t.Error("mismatched proof seq must not verify")
	}
}

func TestMerkle_proofsSurviveLaterAppends(t *testing.T) {
	// A proof is bound to the tree size it was generated at. Later appends
	// change the root, so the old proof verifies only against the old root.
	l, _ := newTestLog(t)
	appendN(t, l, 8)
	oldRoot := l.Root()
	p, err := l.InclusionProof(3)
	if err != nil {
		t.Fatal(err)
	}
	e, _ := l.Get(context.Background(), 3)

	appendN(t, l, 8)
	if !VerifyInclusion(e, p, oldRoot) {
		t.Error("old proof should still verify against the root it was issued under")
	}
	if VerifyInclusion(e, p, l.Root()) {
		t.Error("old proof must not verify against the advanced root")
	}
}

func TestMerkle_tamperedEntryFailsItsProof(t *testing.T) {
	l, store := newTestLog(t)
	appendN(t, l, 100)
	root := l.Root()

	p46, err := l.InclusionProof(46)
	if err != nil {
		t.Fatal(err)
	}
	p47, err := l.InclusionProof(47)
	if err != nil {
		t.Fatal(err)
	}

	store.mutate(47, func(e *Entry) {
		e.Payload = []byte(`{"i":9999}`)
	})

	e46, _ := l.Get(context.Background(), 46)
	if !VerifyInclusion(e46, p46, root) {
		t.Error("untouched entry should still prove against the pre-tamper root")
	}
	e47, _ := l.Get(context.Background(), 47)
	if VerifyInclusion(e47, p47, root) {
		t.Error("tampered entry must fail its inclusion proof")
	}
}

func TestLog_replayRebuildsTree(t *testing.T) {
	store := NewMemoryStorage()
	l1, err := NewLog(context.Background(), store, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, l1, 12)
	p, err := l1.InclusionProof(5)
	if err != nil {
		t.Fatal(err)
	}

	l2, err := NewLog(context.Background(), store, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	e, _ := l2.Get(context.Background(), 5)
	if !VerifyInclusion(e, p, l2.Root()) {
		t.Error("proof from before restart should verify against the rebuilt tree")
	}
}

func hexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
