package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []error
}

func (p *scriptedProber) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

func TestMonitorTransitions(t *testing.T) {
	down := errors.New("connection refused")
	prober := &scriptedProber{results: []error{down, down, down, nil, nil}}

	var changes []bool
	m := New(Config{
		Prober:           prober,
		FailureThreshold: 2,
		InitialOnline:    true,
		OnChange:         func(_ context.Context, online bool) { changes = append(changes, online) },
		Logger:           zerolog.Nop(),
	})
	ctx := context.Background()

	want := []bool{true, false, false, true, true}
	for i, w := range want {
		if got := m.Check(ctx); got != w {
			t.Errorf("check %d = %v, want %v", i, got, w)
		}
	}

	if diff := cmp.Diff([]bool{false, true}, changes); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if m.LastError() != nil {
		t.Errorf("LastError after success = %v", m.LastError())
	}
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	m := New(Config{
		Prober: ProberFunc(func(context.Context) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		}),
		Interval: 5 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls < 2 {
		t.Errorf("prober called %d times, want at least 2", calls)
	}
	if !m.Online() {
		t.Error("monitor should be online after successful probes")
	}
}
