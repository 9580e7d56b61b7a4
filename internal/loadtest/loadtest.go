// Package loadtest drives a queue against an in-memory remote to measure
// enqueue latency, pass duration and drain behavior under injected failures.
//
// Producers enqueue concurrently while a single processor keeps calling
// Process until the queue drains, exercising the same code paths a client
// hits when it reconnects with a backlog.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/remote"
	"github.com/offq/offq/internal/retry"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/storage"
)

// Options configures a run.
type Options struct {
	Producers            int
	MutationsPerProducer int

	// FailureRate is the fraction of remote calls that fail transiently.
	FailureRate float64
	// Latency is added to every remote call.
	Latency time.Duration

	// Policy defaults to a fast policy (1ms base, 20ms cap, 10 retries)
	// so a run is not dominated by backoff waits.
	Policy *retry.Policy

	// KV backs the queue. Defaults to an in-memory store.
	KV    storage.KV
	Codec storage.Codec

	// MaxPasses bounds the processor. Zero means 10000.
	MaxPasses int

	Logger zerolog.Logger
}

// LatencyStats captures a latency distribution.
type LatencyStats struct {
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
	Samples int
}

// Report is the outcome of a run.
type Report struct {
	Enqueued int
	Applied  int
	Failed   int
	Retries  int
	Passes   int
	Wall     time.Duration

	Enqueue LatencyStats
	Pass    LatencyStats
}

// FastPolicy is the retry policy used when Options.Policy is nil.
func FastPolicy() retry.Policy {
	return retry.Policy{Base: time.Millisecond, Max: 20 * time.Millisecond, MaxRetries: 10}
}

// Run executes the load test.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Producers <= 0 || opts.MutationsPerProducer <= 0 {
		return nil, fmt.Errorf("producers and mutations per producer must be positive")
	}
	if opts.MaxPasses <= 0 {
		opts.MaxPasses = 10000
	}
	policy := FastPolicy()
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	kv := opts.KV
	if kv == nil {
		kv = storage.NewMemory()
	}

	store := remote.NewMemoryStore()
	store.SetFailureRate(opts.FailureRate)
	store.SetLatency(opts.Latency)

	total := opts.Producers * opts.MutationsPerProducer
	mutations := generateMutations(total)
	for _, id := range seedEntities(mutations) {
		store.Put(id, json.RawMessage(`{"seeded":true}`))
	}

	q, err := queue.NewManager(ctx, queue.Config{
		Store:    queue.NewStore(storage.NewRecords(kv, opts.Codec), opts.Logger),
		Policy:   policy,
		Executor: store,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if n := len(q.List()); n > 0 {
		return nil, fmt.Errorf("queue store is not empty (%d mutations)", n)
	}

	start := time.Now()
	report := &Report{}

	enqueueDurations, err := produce(ctx, q, mutations, opts.Producers)
	if err != nil {
		return nil, err
	}
	report.Enqueued = len(enqueueDurations)

	passDurations, totals := drain(ctx, q, opts.MaxPasses)
	report.Passes = len(passDurations)
	report.Applied = totals.Succeeded
	report.Wall = time.Since(start)
	report.Enqueue = computeLatencyStats(enqueueDurations)
	report.Pass = computeLatencyStats(passDurations)

	for _, m := range q.List() {
		if m.Status == schema.StatusFailed {
			report.Failed++
		}
	}
	report.Retries = totals.Failed

	return report, nil
}

// produce enqueues mutations from concurrent producers, each taking an
// interleaved share of the list.
func produce(ctx context.Context, q *queue.Manager, mutations []*schema.Mutation, producers int) ([]time.Duration, error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		durations []time.Duration
		firstErr  error
	)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			local := make([]time.Duration, 0, len(mutations)/producers+1)
			for i := p; i < len(mutations); i += producers {
				begin := time.Now()
				if _, err := q.Enqueue(ctx, mutations[i]); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("producer %d enqueue %s failed: %w", p, mutations[i].ID, err)
					}
					mu.Unlock()
					return
				}
				local = append(local, time.Since(begin))
			}
			mu.Lock()
			durations = append(durations, local...)
			mu.Unlock()
		}(p)
	}

	wg.Wait()
	return durations, firstErr
}

// drain processes until nothing pending remains, the pass budget is used
// up, or ctx ends. It waits out backoff between passes.
func drain(ctx context.Context, q *queue.Manager, maxPasses int) ([]time.Duration, queue.Result) {
	var (
		durations []time.Duration
		totals    queue.Result
	)

	for len(durations) < maxPasses && ctx.Err() == nil && q.HasPending() {
		if q.Eligible() == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Millisecond):
			}
			continue
		}

		begin := time.Now()
		res := q.Process(ctx)
		durations = append(durations, time.Since(begin))

		totals.Succeeded += res.Succeeded
		totals.Failed += res.Failed
		totals.Conflicted += res.Conflicted
	}
	return durations, totals
}

// generateMutations builds a deterministic workload: 70% adds of new
// entities, 20% updates of seeded entities, 10% deletes of seeded entities.
func generateMutations(count int) []*schema.Mutation {
	rng := rand.New(rand.NewSource(42))
	out := make([]*schema.Mutation, count)

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("lt-%05d", i)
		var m *schema.Mutation
		switch r := rng.Intn(10); {
		case r < 7:
			m = &schema.Mutation{Kind: schema.KindAdd, EntityID: "new-" + id}
			m.Payload = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		case r < 9:
			m = &schema.Mutation{Kind: schema.KindUpdate, EntityID: "seed-" + id}
			m.Payload = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
		default:
			m = &schema.Mutation{Kind: schema.KindDelete, EntityID: "seed-" + id}
		}
		m.ID = id
		out[i] = m
	}
	return out
}

func seedEntities(mutations []*schema.Mutation) []string {
	var ids []string
	for _, m := range mutations {
		if m.Kind != schema.KindAdd {
			ids = append(ids, m.EntityID)
		}
	}
	return ids
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:     sorted[0],
		Max:     sorted[len(sorted)-1],
		Mean:    sum / time.Duration(len(durations)),
		P50:     sorted[len(sorted)*50/100],
		P95:     sorted[len(sorted)*95/100],
		P99:     sorted[len(sorted)*99/100],
		Samples: len(durations),
	}
}

// Print writes a human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Mutations:  %d enqueued, %d applied, %d failed, %d retried attempts\n", r.Enqueued, r.Applied, r.Failed, r.Retries)
	fmt.Fprintf(w, "Passes:     %d in %v\n", r.Passes, r.Wall.Round(time.Millisecond))
	r.Enqueue.print(w, "Enqueue")
	r.Pass.print(w, "Pass")
}

func (s LatencyStats) print(w io.Writer, label string) {
	fmt.Fprintf(w, "%s latency (%d samples):\n", label, s.Samples)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
