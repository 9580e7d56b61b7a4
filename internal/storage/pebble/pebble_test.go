package pebblestore

import (
	"context"
	"errors"
	"testing"

	"github.com/offq/offq/internal/storage"
)

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatal("expected error for empty DataDir")
	}
}

func TestPutGetDeleteAndReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	kv, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, err := kv.Get(ctx, storage.KeyHistory); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get on empty store error = %v, want ErrNotFound", err)
	}
	if err := kv.Put(ctx, storage.KeyHistory, []byte("h1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Put(ctx, storage.KeyConflicts, []byte("c1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := kv.Delete(ctx, storage.KeyConflicts); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, storage.KeyHistory)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "h1" {
		t.Errorf("Get = %q, want h1", got)
	}
	if _, err := reopened.Get(ctx, storage.KeyConflicts); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("deleted key error = %v, want ErrNotFound", err)
	}
}

func TestClosedIsUnavailable(t *testing.T) {
	kv, err := Open(Options{DataDir: t.TempDir(), NoSync: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = kv.Close()

	if _, err := kv.Get(context.Background(), "k"); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("Get after Close error = %v, want ErrUnavailable", err)
	}
}
