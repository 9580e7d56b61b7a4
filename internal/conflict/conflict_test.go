package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

func newTestDetector() *Detector {
	n := 0
	return &Detector{
		now: func() time.Time { return time.Unix(1000, 0) },
		newID: func() string {
			n++
			return fmt.Sprintf("c%d", n)
		},
	}
}

func ts(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func TestDetect(t *testing.T) {
	ack := ts(300)

	tests := []struct {
		name     string
		m        *schema.Mutation
		snapshot *schema.Snapshot
		want     bool
	}{
		{
			name:     "remote older than enqueue",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100)},
			snapshot: &schema.Snapshot{EntityID: "e", LastModifiedAt: ts(50)},
			want:     false,
		},
		{
			name:     "remote equal to enqueue",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100)},
			snapshot: &schema.Snapshot{EntityID: "e", LastModifiedAt: ts(100)},
			want:     false,
		},
		{
			name:     "remote newer than enqueue",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100)},
			snapshot: &schema.Snapshot{EntityID: "e", LastModifiedAt: ts(200)},
			want:     true,
		},
		{
			name:     "entity absent remotely",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100)},
			snapshot: nil,
			want:     false,
		},
		{
			name:     "acknowledged remote version",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100), AcknowledgedRemoteAt: &ack},
			snapshot: &schema.Snapshot{EntityID: "e", LastModifiedAt: ts(300)},
			want:     false,
		},
		{
			name:     "newer than acknowledged",
			m:        &schema.Mutation{ID: "m1", EntityID: "e", EnqueuedAt: ts(100), AcknowledgedRemoteAt: &ack},
			snapshot: &schema.Snapshot{EntityID: "e", LastModifiedAt: ts(301)},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestDetector().Detect(tt.m, tt.snapshot)
			if (got != nil) != tt.want {
				t.Fatalf("Detect() = %+v, want conflict=%v", got, tt.want)
			}
			if got != nil {
				if got.MutationID != tt.m.ID || got.EntityID != tt.m.EntityID {
					t.Errorf("conflict ids = %s/%s, want %s/%s", got.MutationID, got.EntityID, tt.m.ID, tt.m.EntityID)
				}
				if !got.RemoteVersion.Timestamp.Equal(tt.snapshot.LastModifiedAt) {
					t.Errorf("remote timestamp = %v, want %v", got.RemoteVersion.Timestamp, tt.snapshot.LastModifiedAt)
				}
			}
		})
	}
}

func TestResolve(t *testing.T) {
	c := &schema.Conflict{
		LocalVersion:  schema.Version{Value: []byte(`"local"`)},
		RemoteVersion: schema.Version{Value: []byte(`"remote"`)},
	}

	tests := []struct {
		strategy schema.Strategy
		manual   []byte
		want     string
		wantErr  error
	}{
		{schema.StrategyMine, nil, `"local"`, nil},
		{schema.StrategyTheirs, nil, `"remote"`, nil},
		{schema.StrategyManual, []byte(`"merged"`), `"merged"`, nil},
		{schema.StrategyManual, nil, "", ErrManualValueRequired},
		{schema.Strategy("coinflip"), nil, "", ErrUnknownStrategy},
	}

	for _, tt := range tests {
		got, err := Resolve(c, tt.strategy, tt.manual)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%s) error = %v, want %v", tt.strategy, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("Resolve(%s) unexpected error: %v", tt.strategy, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("Resolve(%s) = %s, want %s", tt.strategy, got, tt.want)
		}
	}
}

func TestReplacement(t *testing.T) {
	c := &schema.Conflict{MutationID: "m1", EntityID: "e1"}
	original := &schema.Mutation{ID: "m1", Kind: schema.KindAdd, Priority: 3}

	r := Replacement(c, []byte(`{"a":1}`), original)
	if r.Kind != schema.KindUpdate {
		t.Errorf("Kind = %s, want update", r.Kind)
	}
	if r.Supersedes != "m1" || r.EntityID != "e1" || r.Priority != 3 {
		t.Errorf("Replacement = %+v", r)
	}
	if r.ID != "" {
		t.Errorf("replacement must get a fresh id at enqueue, got %q", r.ID)
	}

	del := Replacement(c, nil, &schema.Mutation{ID: "m1", Kind: schema.KindDelete})
	if del.Kind != schema.KindDelete {
		t.Errorf("kept delete Kind = %s, want delete", del.Kind)
	}
}

func TestRegistrySurfaceDedupAndPersist(t *testing.T) {
	ctx := context.Background()
	records := storage.NewRecords(storage.NewMemory(), nil)
	reg := NewRegistry(records, zerolog.Nop())

	c1 := &schema.Conflict{ID: "c1", MutationID: "m1", EntityID: "e1", DetectedAt: ts(10)}
	dup := &schema.Conflict{ID: "c2", MutationID: "m1", EntityID: "e1", DetectedAt: ts(20)}

	if !reg.Surface(ctx, c1) {
		t.Fatal("first Surface should add")
	}
	if reg.Surface(ctx, dup) {
		t.Error("second conflict for the same mutation should be ignored")
	}
	if reg.Len() != 1 || !reg.HasOpen("m1") {
		t.Fatalf("registry state: len=%d hasOpen=%v", reg.Len(), reg.HasOpen("m1"))
	}

	reloaded := NewRegistry(records, zerolog.Nop())
	reloaded.Load(ctx)
	if got := reloaded.List(); len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("reloaded List = %+v, want [c1]", got)
	}

	if err := reloaded.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if reloaded.HasOpen("m1") {
		t.Error("HasOpen after Remove should be false")
	}
	if err := reloaded.Remove(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove error = %v, want ErrNotFound", err)
	}
}

func TestRegistryListOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, zerolog.Nop())

	reg.Surface(ctx, &schema.Conflict{ID: "b", MutationID: "m2", DetectedAt: ts(20)})
	reg.Surface(ctx, &schema.Conflict{ID: "a", MutationID: "m1", DetectedAt: ts(10)})
	reg.Surface(ctx, &schema.Conflict{ID: "c", MutationID: "m3", DetectedAt: ts(20)})

	got := reg.List()
	want := []string{"a", "b", "c"}
	for i, c := range got {
		if c.ID != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, c.ID, want[i])
		}
	}

	reg.Clear(ctx)
	if reg.Len() != 0 {
		t.Errorf("Len after Clear = %d", reg.Len())
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Surface(context.Background(), &schema.Conflict{ID: "c1", MutationID: "m1", EntityID: "e1"})

	c, err := reg.Get("c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	c.EntityID = "changed"

	again, _ := reg.Get("c1")
	if again.EntityID != "e1" {
		t.Errorf("registry state changed through Get result")
	}
	if _, err := reg.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrNotFound", err)
	}
}

func TestRegistrySurfaceHook(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())

	var got []string
	reg.SetSurfaceHook(func(c *schema.Conflict) { got = append(got, c.ID) })

	ctx := context.Background()
	reg.Surface(ctx, &schema.Conflict{ID: "c1", MutationID: "m1"})
	reg.Surface(ctx, &schema.Conflict{ID: "c2", MutationID: "m1"})

	if len(got) != 1 || got[0] != "c1" {
		t.Errorf("hook saw %v, want [c1]", got)
	}
}
