package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/config"
	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/remote"
	"github.com/offq/offq/internal/schema"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Storage.Path = filepath.Join(dir, "data")
	cfg.Remote.Mode = config.RemoteMemory
	cfg.Queue.InboxDir = filepath.Join(dir, "inbox")
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Connectivity.Interval = 10 * time.Millisecond
	cfg.Trigger.Enabled = false
	cfg.Dashboard.Enabled = true
	cfg.Dashboard.Addr = "127.0.0.1:0"
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// seedQueue fills the engine's queue with mutations covering every persisted
// field and returns the queue as listed.
func seedQueue(t *testing.T, e *Engine) []*schema.Mutation {
	t.Helper()
	ctx := context.Background()

	muts := []*schema.Mutation{
		{ID: "m1", Kind: schema.KindAdd, EntityID: "e1", Payload: json.RawMessage(`{"name":"Milk","qty":2}`)},
		{ID: "m2", Kind: schema.KindUpdate, EntityID: "e2", Payload: json.RawMessage(`{"done":true}`), Priority: 7},
		{ID: "m3", Kind: schema.KindDelete, EntityID: "e3"},
		{ID: "m4", Kind: schema.KindMarkStatus, EntityID: "e4", Payload: json.RawMessage(`{"status":"archived"}`)},
	}
	for _, m := range muts {
		if _, err := e.Queue.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", m.ID, err)
		}
	}
	if _, err := e.Queue.MarkFailed(ctx, "m2", errors.New("connection reset")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := e.Queue.MarkFailed(ctx, "m3", queue.Permanent(errors.New("gone"))); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if err := e.Queue.Acknowledge(ctx, "m4", time.UnixMilli(5_000).UTC()); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}
	if _, err := e.Queue.Supersede(ctx, "m1", &schema.Mutation{ID: "m5", Kind: schema.KindUpdate, EntityID: "e1", Payload: json.RawMessage(`{"name":"Oat milk"}`)}); err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}
	return e.Queue.List()
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite, config.BackendPebble} {
		for _, codec := range []string{"json", "cbor"} {
			t.Run(backend+"/"+codec, func(t *testing.T) {
				cfg := testConfig(t)
				cfg.Storage.Backend = backend
				cfg.Storage.Codec = codec
				if backend == config.BackendSQLite {
					cfg.Storage.Path = filepath.Join(t.TempDir(), "offq.db")
				}

				ctx := context.Background()
				e, err := Open(ctx, cfg, zerolog.Nop(), Options{})
				if err != nil {
					t.Fatalf("Open failed: %v", err)
				}
				if e.Coordinator.Online() {
					t.Error("engine should start offline by default")
				}
				before := seedQueue(t, e)

				// Reload from the same storage without closing it
				reloaded, err := queue.NewManager(ctx, queue.Config{
					Store:  queue.NewStore(e.Records, zerolog.Nop()),
					Logger: zerolog.Nop(),
				})
				if err != nil {
					t.Fatalf("queue.NewManager failed: %v", err)
				}
				if diff := cmp.Diff(before, reloaded.List()); diff != "" {
					t.Errorf("reloaded queue mismatch (-before +after):\n%s", diff)
				}

				if err := e.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
				if backend == config.BackendMemory {
					return
				}

				reopened, err := Open(ctx, cfg, zerolog.Nop(), Options{StartOnline: true})
				if err != nil {
					t.Fatalf("reopen failed: %v", err)
				}
				defer reopened.Close()
				if diff := cmp.Diff(before, reopened.Queue.List()); diff != "" {
					t.Errorf("reopened queue mismatch (-before +after):\n%s", diff)
				}
				if !reopened.Coordinator.Online() {
					t.Error("StartOnline ignored")
				}
			})
		}
	}
}

func TestEngineCloseTwice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendPebble

	e, err := Open(context.Background(), cfg, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close error = %v, want nil", err)
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "redis"
	if _, err := Open(context.Background(), cfg, zerolog.Nop(), Options{}); err == nil {
		t.Error("Open should fail for an unknown backend")
	}
}

func TestDaemonSyncsInboxMutations(t *testing.T) {
	cfg := testConfig(t)
	store := remote.NewMemoryStore()

	e, err := Open(context.Background(), cfg, zerolog.Nop(), Options{Remote: store})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	d, err := New(e, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	waitFor(t, "online", e.Coordinator.Online)
	if running, _ := Running(e.LockPath()); !running {
		t.Error("lock not held while running")
	}

	m := &schema.Mutation{
		ID:       "m1",
		Kind:     schema.KindAdd,
		EntityID: "e1",
		Payload:  json.RawMessage(`{"title":"draft"}`),
	}
	if err := schema.WriteMutationFile(cfg.Queue.InboxDir, m); err != nil {
		t.Fatalf("WriteMutationFile failed: %v", err)
	}

	waitFor(t, "remote apply", func() bool {
		_, ok := store.Get("e1")
		return ok
	})
	waitFor(t, "queue drained", func() bool { return !e.Queue.HasPending() })

	resp, err := http.Get("http://" + d.Dashboard().Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if running, _ := Running(e.LockPath()); running {
		t.Error("lock still held after stop")
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dashboard.Enabled = false

	lock, err := AcquireLock(LockPath(cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	e, err := Open(context.Background(), cfg, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	d, err := New(e, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(context.Background()); err != ErrLocked {
		t.Errorf("Start error = %v, want ErrLocked", err)
	}
}
