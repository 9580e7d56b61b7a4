package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/offq/offq/internal/schema"
)

func TestRenderTo(t *testing.T) {
	m := &schema.Mutation{
		ID:       "m1",
		Kind:     schema.KindAdd,
		EntityID: "e1",
		Payload:  json.RawMessage(`{"title":"milk"}`),
	}

	tests := []struct {
		format string
		want   []string
	}{
		{formatJSON, []string{`"id": "m1"`, `"entity_id": "e1"`, `"title": "milk"`}},
		{formatYAML, []string{"id: m1", "entity_id: e1", "title: milk"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			called := false
			if err := renderTo(&buf, tt.format, m, func() { called = true }); err != nil {
				t.Fatalf("renderTo failed: %v", err)
			}
			if called {
				t.Error("table callback used for structured format")
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}

	called := false
	if err := renderTo(&bytes.Buffer{}, formatTable, m, func() { called = true }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("table format did not call the table callback")
	}
}

func TestReadValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.json")
	if err := os.WriteFile(path, []byte(`{"a":1}`), 0644); err != nil {
		t.Fatal(err)
	}

	if v, err := readValue(`{"b":2}`); err != nil || string(v) != `{"b":2}` {
		t.Errorf("inline = %s, %v", v, err)
	}
	if v, err := readValue("@" + path); err != nil || string(v) != `{"a":1}` {
		t.Errorf("file = %s, %v", v, err)
	}
	if _, err := readValue("{nope"); err == nil {
		t.Error("invalid JSON accepted")
	}
	if _, err := readValue("@" + filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 5); got != "abcd…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestExitHooksRunNewestFirst(t *testing.T) {
	t.Cleanup(func() { exitHooks = nil })

	var order []string
	atExit(func() error { order = append(order, "tempdir"); return nil })
	atExit(func() error { order = append(order, "store"); return errors.New("already closed") })

	runExitHooks()
	if got := strings.Join(order, ","); got != "store,tempdir" {
		t.Errorf("hook order = %s, want store,tempdir", got)
	}

	order = nil
	runExitHooks()
	if len(order) != 0 {
		t.Errorf("hooks ran twice: %v", order)
	}
}
