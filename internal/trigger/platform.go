package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TickerPlatform runs registered jobs on in-process tickers. It is the
// platform used by the daemon.
type TickerPlatform struct {
	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*tickerJob
}

type tickerJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTickerPlatform creates a platform whose jobs stop when ctx is done.
func NewTickerPlatform(ctx context.Context) *TickerPlatform {
	return &TickerPlatform{ctx: ctx, jobs: make(map[string]*tickerJob)}
}

// Register implements Platform. fn first runs one interval after
// registration.
func (p *TickerPlatform) Register(tag string, minInterval time.Duration, fn func(ctx context.Context)) error {
	if minInterval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", minInterval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.jobs[tag]; exists {
		return fmt.Errorf("job %q already registered", tag)
	}

	ctx, cancel := context.WithCancel(p.ctx)
	job := &tickerJob{cancel: cancel, done: make(chan struct{})}
	p.jobs[tag] = job

	go func() {
		defer close(job.done)
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return nil
}

// Unregister implements Platform. It waits for a running fn to return.
func (p *TickerPlatform) Unregister(tag string) error {
	p.mu.Lock()
	job, ok := p.jobs[tag]
	delete(p.jobs, tag)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("job %q not registered", tag)
	}
	job.cancel()
	<-job.done
	return nil
}

// Tags returns the registered job tags.
func (p *TickerPlatform) Tags() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	tags := make([]string, 0, len(p.jobs))
	for tag := range p.jobs {
		tags = append(tags, tag)
	}
	return tags
}

// Close stops every job.
func (p *TickerPlatform) Close() {
	for _, tag := range p.Tags() {
		_ = p.Unregister(tag)
	}
}
