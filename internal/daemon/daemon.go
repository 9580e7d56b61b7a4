package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/offq/offq/internal/connectivity"
	"github.com/offq/offq/internal/coordinator"
	"github.com/offq/offq/internal/dashboard"
	"github.com/offq/offq/internal/inbox"
	"github.com/offq/offq/internal/trigger"
)

// DefaultPollInterval is how often the daemon looks for due mutations when
// auto processing is on.
const DefaultPollInterval = 250 * time.Millisecond

// Daemon runs the connectivity monitor, the inbox, the background trigger,
// the auto-process loop and the dashboard around an Engine.
type Daemon struct {
	engine *Engine
	logger zerolog.Logger

	lock     *Lock
	monitor  *connectivity.Monitor
	inbox    *inbox.Inbox
	platform *trigger.TickerPlatform
	trigger  *trigger.Trigger
	dash     *dashboard.Server
	detach   []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New prepares a daemon for e. Nothing runs until Start.
func New(e *Engine, logger zerolog.Logger) (*Daemon, error) {
	if e == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	cfg := e.Config

	in, err := inbox.New(cfg.Queue.InboxDir, e.Queue, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		engine: e,
		logger: logger.With().Str("component", "daemon").Logger(),
		inbox:  in,
		ctx:    ctx,
		cancel: cancel,
	}

	d.monitor = connectivity.New(connectivity.Config{
		Prober:           e.Remote,
		Interval:         cfg.Connectivity.Interval,
		Timeout:          cfg.Connectivity.Timeout,
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		InitialOnline:    e.Coordinator.Online(),
		OnChange:         e.Coordinator.SetOnline,
		Logger:           logger,
	})

	if cfg.Trigger.Enabled {
		cond, err := cfg.Conditions()
		if err != nil {
			cancel()
			return nil, err
		}
		d.platform = trigger.NewTickerPlatform(ctx)
		d.trigger, err = trigger.New(trigger.Config{
			Interval:   cfg.Trigger.Interval,
			Conditions: cond,
			Env: &trigger.SysfsEnvironment{
				PowerSupplyDir:  cfg.Trigger.PowerSupplyDir,
				PlatformProfile: trigger.DefaultPlatformProfile,
				Network:         trigger.NetworkType(cfg.Trigger.NetworkType),
				Online:          e.Coordinator.Online,
			},
			Platform: d.platform,
			Syncer:   e.Coordinator,
			Logger:   logger,
		})
		if err != nil {
			d.platform.Close()
			cancel()
			return nil, err
		}
	}

	if cfg.Dashboard.Enabled {
		d.dash = dashboard.NewServer(dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Source: e.Coordinator,
			Logger: logger,
		})
	}

	return d, nil
}

// Start takes the daemon lock and runs every component. It blocks until ctx
// is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	lock, err := AcquireLock(d.engine.LockPath())
	if err != nil {
		return err
	}
	d.lock = lock

	d.logger.Info().
		Str("inbox", d.inbox.Dir()).
		Str("backend", d.engine.Config.Storage.Backend).
		Msg("starting daemon")

	d.subscribeLogging()

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		d.detach = append(d.detach, dashboard.Attach(d.engine.Coordinator, d.dash))
	}

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		if err := d.inbox.Run(d.ctx); err != nil {
			d.logger.Error().Err(err).Msg("inbox stopped")
		}
	}()

	if d.engine.Config.Queue.AutoProcess {
		d.wg.Add(1)
		go d.autoProcess()
	}

	if d.trigger != nil {
		if err := d.trigger.Start(); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to register trigger: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		d.logger.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts every component down and releases the lock. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	var errs []error
	d.stopOnce.Do(func() {
		d.logger.Info().Msg("stopping daemon")
		d.cancel()

		if d.trigger != nil {
			if err := d.trigger.Stop(); err != nil {
				errs = append(errs, err)
			}
			d.platform.Close()
		}
		for _, fn := range d.detach {
			fn()
		}
		if d.dash != nil {
			if err := d.dash.Stop(); err != nil {
				errs = append(errs, err)
			}
		}

		d.wg.Wait()

		if err := d.lock.Release(); err != nil {
			errs = append(errs, err)
		}
		d.logger.Info().Msg("daemon stopped")
	})
	return errors.Join(errs...)
}

// Monitor exposes the connectivity monitor.
func (d *Daemon) Monitor() *connectivity.Monitor { return d.monitor }

// Dashboard returns the dashboard server, nil when disabled.
func (d *Daemon) Dashboard() *dashboard.Server { return d.dash }

// autoProcess syncs whenever something is due while online. Mutations in
// backoff become due on their own, so this polls rather than waiting for
// queue events.
func (d *Daemon) autoProcess() {
	defer d.wg.Done()

	interval := d.engine.Config.Queue.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	coord := d.engine.Coordinator
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !coord.Online() || d.engine.Queue.Eligible() == 0 {
				continue
			}
			if _, err := coord.TriggerSync(d.ctx); err != nil && !errors.Is(err, coordinator.ErrOffline) {
				d.logger.Warn().Err(err).Msg("auto sync failed")
			}
		}
	}
}

func (d *Daemon) subscribeLogging() {
	coord := d.engine.Coordinator
	d.detach = append(d.detach,
		coord.Subscribe(coordinator.EventConnectionChange, func(ev coordinator.Event) {
			d.logger.Info().Bool("online", ev.Online).Msg("connection changed")
		}),
		coord.Subscribe(coordinator.EventSyncComplete, func(ev coordinator.Event) {
			if ev.Result == nil || ev.Result.Attempted() == 0 && ev.Result.Conflicted == 0 {
				return
			}
			d.logger.Info().
				Int("succeeded", ev.Result.Succeeded).
				Int("failed", ev.Result.Failed).
				Int("conflicts", ev.Result.Conflicted).
				Msg("sync complete")
		}),
		coord.Subscribe(coordinator.EventSyncFailed, func(ev coordinator.Event) {
			l := d.logger.Warn()
			if ev.Result != nil {
				l = l.Int("failed", ev.Result.Failed)
			}
			l.Msg("sync failed")
		}),
		coord.Subscribe(coordinator.EventConflictDetected, func(ev coordinator.Event) {
			if ev.Conflict == nil {
				return
			}
			d.logger.Warn().
				Str("conflict", ev.Conflict.ID).
				Str("entity", ev.Conflict.EntityID).
				Msg("conflict detected")
		}),
	)
}
