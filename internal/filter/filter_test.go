package filter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/offq/offq/internal/schema"
)

func sample() []*schema.Mutation {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []*schema.Mutation{
		{ID: "m1", Kind: schema.KindAdd, EntityID: "e1", Status: schema.StatusPending,
			Payload: json.RawMessage(`{"title":"draft one","done":false}`), EnqueuedAt: base},
		{ID: "m2", Kind: schema.KindUpdate, EntityID: "e2", Status: schema.StatusFailed, RetryCount: 5,
			LastError: "boom", Payload: json.RawMessage(`{"title":"final"}`), EnqueuedAt: base.Add(time.Minute)},
		{ID: "m3", Kind: schema.KindDelete, EntityID: "e1", Status: schema.StatusPending, Priority: 2,
			EnqueuedAt: base.Add(2 * time.Minute)},
	}
}

func ids(items []*schema.Mutation) []string {
	out := []string{}
	for _, m := range items {
		out = append(out, m.ID)
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"", []string{"m1", "m2", "m3"}},
		{`status == "failed"`, []string{"m2"}},
		{`entity_id == "e1" && priority > 0`, []string{"m3"}},
		{`retry_count >= 5 && last_error.contains("boom")`, []string{"m2"}},
		{`kind in ["add", "update"]`, []string{"m1", "m2"}},
		{`payload.title.startsWith("draft")`, []string{"m1"}},
		{`has(payload.done)`, []string{"m1"}},
		{`age_ms > 90000`, []string{"m1"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			if f.now != nil {
				f.now = func() time.Time { return time.Date(2026, 1, 2, 3, 6, 0, 0, time.UTC) }
			}
			if diff := cmp.Diff(tt.want, ids(f.Apply(sample()))); diff != "" {
				t.Errorf("Apply mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		`status ==`,
		`unknown_var == 1`,
		`retry_count + 1`,
	} {
		if _, err := Compile(expr); err == nil {
			t.Errorf("Compile(%q) should fail", expr)
		}
	}
}

func TestNilFilterMatches(t *testing.T) {
	var f *Filter
	if !f.Match(&schema.Mutation{ID: "m1"}) {
		t.Error("nil filter should match")
	}
}
