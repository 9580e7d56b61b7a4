package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Tags  []string `json:"tags"`
}

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := m.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want %q", got, "v1")
	}

	// Returned slices must not alias the stored value.
	got[0] = 'X'
	again, _ := m.Get(ctx, "k")
	if string(again) != "v1" {
		t.Errorf("stored value was mutated through Get result: %q", again)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	_ = m.Close()
	if err := m.Put(ctx, "k", nil); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Put after Close error = %v, want ErrUnavailable", err)
	}
}

func TestFailingKV(t *testing.T) {
	ctx := context.Background()
	f := NewFailingKV(NewMemory())

	if err := f.Put(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	f.FailPuts(true)
	if err := f.Put(ctx, "a", []byte("2")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Put error = %v, want ErrUnavailable", err)
	}
	if f.PutFailures() != 1 {
		t.Errorf("PutFailures = %d, want 1", f.PutFailures())
	}

	got, err := f.Get(ctx, "a")
	if err != nil || string(got) != "1" {
		t.Errorf("Get = %q, %v; want previous value", got, err)
	}

	f.FailGets(true)
	if _, err := f.Get(ctx, "a"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Get error = %v, want ErrUnavailable", err)
	}
}

func TestRecordsRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			ctx := context.Background()
			r := NewRecords(NewMemory(), codec)

			in := sample{Name: "milk", Count: 2, Tags: []string{"dairy", "fridge"}}
			if err := r.Save(ctx, KeyStats, in); err != nil {
				t.Fatalf("Save failed: %v", err)
			}

			var out sample
			if err := r.Load(ctx, KeyStats, &out); err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if diff := cmp.Diff(in, out); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordsLoadMissing(t *testing.T) {
	r := NewRecords(NewMemory(), nil)
	var out sample
	if err := r.Load(context.Background(), KeyQueue, &out); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load error = %v, want ErrNotFound", err)
	}
}

func TestRecordsRejectsNewerMajor(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	codec := JSONCodec{}

	raw, err := codec.Marshal(&Envelope{Format: "v2.0.0", SavedAt: time.Now(), Data: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := kv.Put(ctx, KeyQueue, raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out sample
	err = NewRecords(kv, codec).Load(ctx, KeyQueue, &out)
	if !errors.Is(err, ErrIncompatibleFormat) {
		t.Errorf("Load error = %v, want ErrIncompatibleFormat", err)
	}
}

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "json", false},
		{"json", "json", false},
		{"cbor", "cbor", false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		c, err := CodecByName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("CodecByName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && c.Name() != tt.want {
			t.Errorf("CodecByName(%q) = %s, want %s", tt.name, c.Name(), tt.want)
		}
	}
}
