package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

func newManager(t *testing.T) *queue.Manager {
	t.Helper()
	m, err := queue.NewManager(context.Background(), queue.Config{
		Store:  queue.NewStore(storage.NewRecords(storage.NewMemory(), nil), zerolog.Nop()),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func sample() []*schema.Mutation {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	next := at.Add(time.Minute)
	return []*schema.Mutation{
		{ID: "m1", Kind: schema.KindAdd, EntityID: "e1", Payload: json.RawMessage(`{"name":"Milk"}`), EnqueuedAt: at, Status: schema.StatusPending},
		{ID: "m2", Kind: schema.KindUpdate, EntityID: "e2", Payload: json.RawMessage(`{"name":"Eggs"}`), EnqueuedAt: at.Add(time.Second), Status: schema.StatusPending, RetryCount: 2, LastError: "timeout", NextAttemptAt: &next},
		{ID: "m3", Kind: schema.KindDelete, EntityID: "e3", EnqueuedAt: at.Add(2 * time.Second), Priority: 10, Status: schema.StatusFailed, RetryCount: 5, LastError: "gone"},
	}
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	if err := ExportFile(path, sample()); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	return path
}

func TestExportAndRead(t *testing.T) {
	path := writeSample(t)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 3 {
		t.Errorf("export has %d lines, want 3", lines)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if diff := cmp.Diff(sample(), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadReportsLine(t *testing.T) {
	input := `{"id":"a","kind":"add","entity_id":"e1"}
{"id":"b","kind":"add"}
`
	_, err := Read(strings.NewReader(input))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Read error = %v, want line 2 validation failure", err)
	}

	if _, err := Read(strings.NewReader("{oops")); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Read error = %v, want line 1 JSON failure", err)
	}
}

func TestImport(t *testing.T) {
	path := writeSample(t)
	q := newManager(t)
	ctx := context.Background()

	res, err := Import(ctx, q, path, ImportOptions{})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	want := &ImportResult{Read: 3, Imported: 2, SkippedFailed: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	m2, err := q.Get("m2")
	if err != nil {
		t.Fatalf("Get(m2) failed: %v", err)
	}
	if m2.RetryCount != 0 || m2.LastError != "" || m2.NextAttemptAt != nil {
		t.Errorf("imported mutation kept processing state: %+v", m2)
	}
	if !m2.EnqueuedAt.Equal(sample()[1].EnqueuedAt) {
		t.Errorf("EnqueuedAt = %v, want preserved", m2.EnqueuedAt)
	}

	// Importing again only finds duplicates
	res, err = Import(ctx, q, path, ImportOptions{IncludeFailed: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 1 || res.Duplicates != 2 {
		t.Errorf("second import = %+v, want 1 imported (m3) and 2 duplicates", res)
	}
}

func TestImportDryRunAndBackup(t *testing.T) {
	path := writeSample(t)
	q := newManager(t)

	res, err := Import(context.Background(), q, path, ImportOptions{DryRun: true, Backup: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 2 || len(q.List()) != 0 {
		t.Errorf("dry run imported %d, queue has %d; want 2 counted and none queued", res.Imported, len(q.List()))
	}
	if res.BackupCreated != "" {
		t.Error("dry run should not create a backup")
	}

	res, err = Import(context.Background(), q, path, ImportOptions{Backup: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(res.BackupCreated); err != nil {
		t.Errorf("backup not created: %v", err)
	}
}

func TestImportMissingFile(t *testing.T) {
	if _, err := Import(context.Background(), newManager(t), filepath.Join(t.TempDir(), "nope.jsonl"), ImportOptions{}); err == nil {
		t.Error("Import of a missing file should fail")
	}
}

func TestToInbox(t *testing.T) {
	path := writeSample(t)
	dir := filepath.Join(t.TempDir(), "inbox")

	res, err := ToInbox(path, dir, ImportOptions{})
	if err != nil {
		t.Fatalf("ToInbox failed: %v", err)
	}
	if res.Imported != 2 {
		t.Errorf("Imported = %d, want 2", res.Imported)
	}

	m, err := schema.ReadMutationFile(filepath.Join(dir, "m2.json"))
	if err != nil {
		t.Fatalf("ReadMutationFile failed: %v", err)
	}
	if m.RetryCount != 0 || m.Kind != schema.KindUpdate {
		t.Errorf("inbox document = %+v", m)
	}
	if _, err := os.Stat(filepath.Join(dir, "m3.json")); !os.IsNotExist(err) {
		t.Error("failed mutation should not be written without IncludeFailed")
	}
}

func TestWriteToBuffer(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sample()[:1]); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), `{"id":"m1"`) {
		t.Errorf("unexpected encoding: %s", buf.String())
	}
}
