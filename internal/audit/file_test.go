package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestFileStorage_persistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	ctx := context.Background()

	store, err := OpenFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLog(ctx, store, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 10)
	head := l.Head()
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	store2, err := OpenFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	l2, err := NewLog(ctx, store2, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	if l2.Len() != 10 || l2.Head() != head {
		t.Errorf("reopened: len=%d head=%q", l2.Len(), l2.Head())
	}
	if err := l2.VerifyChain(ctx, 0, 0); err != nil {
		t.Errorf("reopened chain should verify: %v", err)
	}
}

func TestFileStorage_truncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	ctx := context.Background()

	store, err := OpenFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewLog(ctx, store, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	appendN(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: a length prefix with half a record.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x00, 0x00, 0x01, 0x00, '{', '"'}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	store2, err := OpenFileStorage(path, zap.NewNop())
	if err != nil {
		t.Fatalf("recovery should succeed: %v", err)
	}
	defer store2.Close()

	n, err := store2.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("torn tail should be dropped, len=%d", n)
	}

	// The truncated file accepts new appends at the right offset.
	l2, err := NewLog(ctx, store2, Options{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l2.Append(ctx, EventCustom, "x", nil); err != nil {
		t.Fatal(err)
	}
	if err := l2.VerifyChain(ctx, 0, 0); err != nil {
		t.Errorf("chain after recovery should verify: %v", err)
	}
}

func TestFileStorage_rejectsCorruptLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	if err := os.WriteFile(path, []byte{0xff, 0xff, 0xff, 0xff, 'x'}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileStorage(path, zap.NewNop()); err == nil {
		t.Error("absurd record length should be rejected")
	}
}
