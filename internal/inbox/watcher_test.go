package inbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestWatcherStartStop(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("new watcher should not be running")
	}

	if err := w.Start(t.TempDir()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(t.TempDir()); err == nil {
		t.Error("second Start() should fail")
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
}

func TestWatcherStartMissingDir(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
}

func TestWatcherReportsJSONCreate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "m1.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.Op != OpCreate {
			t.Errorf("first event op = %v, want create", ev.Op)
		}
		if filepath.Base(ev.Path) != "m1.json" {
			t.Errorf("event path = %s, want m1.json", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for create event")
	}
}

func TestConvertEvent(t *testing.T) {
	dir := t.TempDir()
	w := &Watcher{dir: dir}

	tests := []struct {
		name   string
		event  fsnotify.Event
		wantOK bool
		wantOp EventOp
	}{
		{"create", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Create}, true, OpCreate},
		{"write", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Write}, true, OpModify},
		{"remove", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Remove}, true, OpDelete},
		{"rename", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Rename}, true, OpDelete},
		{"chmod", fsnotify.Event{Name: filepath.Join(dir, "a.json"), Op: fsnotify.Chmod}, false, 0},
		{"temp file", fsnotify.Event{Name: filepath.Join(dir, "a.json.tmp"), Op: fsnotify.Create}, false, 0},
		{"subdirectory", fsnotify.Event{Name: filepath.Join(dir, RejectedDir, "a.json"), Op: fsnotify.Create}, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := w.convertEvent(tt.event)
			if ok != tt.wantOK {
				t.Fatalf("convertEvent ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && ev.Op != tt.wantOp {
				t.Errorf("op = %v, want %v", ev.Op, tt.wantOp)
			}
		})
	}
}

func TestEventOpString(t *testing.T) {
	tests := map[EventOp]string{OpCreate: "create", OpModify: "modify", OpDelete: "delete", EventOp(99): "unknown"}
	for op, want := range tests {
		if got := op.String(); got != want {
			t.Errorf("EventOp(%d).String() = %q, want %q", op, got, want)
		}
	}
}
