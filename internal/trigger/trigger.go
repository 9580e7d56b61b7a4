// Package trigger schedules background syncs and decides, on every tick,
// whether the device conditions allow one.
//
// Registration with the host's scheduler is delegated to a Platform. The
// trigger only answers "should a sync run now" and records why not.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/queue"
)

// DefaultTag identifies the sync schedule on the platform.
const DefaultTag = "offq-sync"

// DefaultInterval is the minimum interval requested from the platform.
const DefaultInterval = 15 * time.Minute

// Syncer starts a sync cycle. It is satisfied by *coordinator.Coordinator.
type Syncer interface {
	TriggerSync(ctx context.Context) (queue.Result, error)
}

// Platform is the host's background scheduling facility.
type Platform interface {
	Register(tag string, minInterval time.Duration, fn func(ctx context.Context)) error
	Unregister(tag string) error
}

// Config configures a Trigger. Syncer is required.
type Config struct {
	Tag        string
	Interval   time.Duration
	Conditions Conditions
	Env        Environment
	Platform   Platform
	Syncer     Syncer
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Decision records the outcome of one tick.
type Decision struct {
	At      time.Time     `json:"at"`
	Ran     bool          `json:"ran"`
	Reasons []string      `json:"reasons,omitempty"`
	Result  *queue.Result `json:"result,omitempty"`
	Err     string        `json:"error,omitempty"`
}

// Trigger evaluates conditions and starts syncs.
type Trigger struct {
	mu         sync.Mutex
	registered bool
	last       Decision

	tag        string
	interval   time.Duration
	conditions Conditions
	env        Environment
	platform   Platform
	syncer     Syncer
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a trigger.
func New(cfg Config) (*Trigger, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("trigger: syncer is required")
	}
	if cfg.Tag == "" {
		cfg.Tag = DefaultTag
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Trigger{
		tag:        cfg.Tag,
		interval:   cfg.Interval,
		conditions: cfg.Conditions,
		env:        cfg.Env,
		platform:   cfg.Platform,
		syncer:     cfg.Syncer,
		logger:     cfg.Logger.With().Str("component", "trigger").Logger(),
		now:        cfg.Now,
	}, nil
}

// Start registers the schedule. Without a platform the trigger stays inert
// and Start is a no-op.
func (t *Trigger) Start() error {
	if t.platform == nil {
		t.logger.Info().Msg("no background platform, periodic sync disabled")
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registered {
		return nil
	}
	if err := t.platform.Register(t.tag, t.interval, func(ctx context.Context) { t.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to register %s: %w", t.tag, err)
	}
	t.registered = true
	t.logger.Info().Str("tag", t.tag).Dur("interval", t.interval).Msg("periodic sync registered")
	return nil
}

// Stop unregisters the schedule.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.platform == nil || !t.registered {
		return nil
	}
	if err := t.platform.Unregister(t.tag); err != nil {
		return fmt.Errorf("failed to unregister %s: %w", t.tag, err)
	}
	t.registered = false
	return nil
}

// Registered reports whether the schedule is active.
func (t *Trigger) Registered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registered
}

// Tick evaluates the conditions and, when none blocks, starts a sync.
// Conditions are read fresh on every call.
func (t *Trigger) Tick(ctx context.Context) Decision {
	now := t.now()
	d := Decision{At: now.UTC()}

	if reasons := t.conditions.Evaluate(now, t.env); len(reasons) > 0 {
		d.Reasons = reasons
		t.logger.Debug().Strs("reasons", reasons).Msg("periodic sync skipped")
		t.setLast(d)
		return d
	}

	res, err := t.syncer.TriggerSync(ctx)
	d.Ran = true
	if err != nil {
		d.Err = err.Error()
		level := zerolog.WarnLevel
		if errors.Is(err, context.Canceled) {
			level = zerolog.DebugLevel
		}
		t.logger.WithLevel(level).Err(err).Msg("periodic sync failed")
	} else {
		d.Result = &res
	}
	t.setLast(d)
	return d
}

// LastDecision returns the outcome of the most recent tick.
func (t *Trigger) LastDecision() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Trigger) setLast(d Decision) {
	t.mu.Lock()
	t.last = d
	t.mu.Unlock()
}
