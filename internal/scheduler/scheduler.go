package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
)

// Runner is the guarded pipeline the scheduler triggers.
type Runner interface {
	Run(ctx context.Context, pages int) (RunResult, error)
}

// Subscriber creates subscriptions for the default destinations.
type Subscriber interface {
	Subscribe(
		ctx context.Context,
		destination string,
		destKind crawler.DestinationKind,
		kind crawler.SubscriptionKind,
		keyword string,
	) (crawler.Subscription, bool, error)
}

// Pruner deletes old delivery audit entries.
type Pruner interface {
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
}

// Config controls the periodic loop.
type Config struct {
	// Enabled false keeps the scheduler alive but skips every run.
	Enabled      bool
	StartupDelay time.Duration
	Interval     time.Duration
	InitialPages int
	SweepPages   int

	// PruneSchedule is a standard five-field cron expression. Empty disables pruning.
	PruneSchedule string
	Retention     time.Duration

	DefaultDestinations    []string
	DefaultDestinationKind crawler.DestinationKind
}

// Scheduler drives the pipeline on a fixed interval.
type Scheduler struct {
	cfg    Config
	runner Runner
	subs   Subscriber
	pruner Pruner
	clock  crawler.Clock
	logger *zap.Logger
	tick   func(time.Duration) (<-chan time.Time, func())
}

// New constructs a Scheduler. subs and pruner may be nil.
func New(cfg Config, runner Runner, subs Subscriber, pruner Pruner, clock crawler.Clock, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil || clock == nil {
		return nil, errors.New("scheduler: runner and clock are required")
	}
	if cfg.Enabled && cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be > 0")
	}
	if cfg.InitialPages <= 0 {
		cfg.InitialPages = 2
	}
	if cfg.SweepPages <= 0 {
		cfg.SweepPages = 1
	}
	if cfg.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.PruneSchedule); err != nil {
			return nil, fmt.Errorf("scheduler: prune schedule: %w", err)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		runner: runner,
		subs:   subs,
		pruner: pruner,
		clock:  clock,
		logger: logger.Named("scheduler"),
		tick: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}, nil
}

// Run blocks until ctx is done. It seeds default subscriptions, starts the
// retention job, waits the startup delay, runs once with InitialPages and
// then every Interval with SweepPages.
func (s *Scheduler) Run(ctx context.Context) error {
	s.AutoSubscribe(ctx)

	stopCron, err := s.startPruneJob(ctx)
	if err != nil {
		return err
	}
	defer stopCron()

	if !s.cfg.Enabled {
		s.logger.Info("crawler disabled; periodic runs skipped")
		<-ctx.Done()
		return nil
	}

	if err := s.clock.Sleep(ctx, s.cfg.StartupDelay); err != nil {
		return nil
	}
	s.trigger(ctx, s.cfg.InitialPages)

	ticks, stop := s.tick(s.cfg.Interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticks:
			s.trigger(ctx, s.cfg.SweepPages)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, pages int) {
	_, err := s.runner.Run(ctx, pages)
	switch {
	case err == nil, errors.Is(err, ErrBusy):
	case ctx.Err() != nil:
		s.logger.Info("run interrupted by shutdown")
	default:
		s.logger.Warn("pipeline run failed", zap.Error(err))
	}
}

// AutoSubscribe gives every configured default destination an ALL subscription.
func (s *Scheduler) AutoSubscribe(ctx context.Context) {
	if s.subs == nil {
		return
	}
	for _, dest := range s.cfg.DefaultDestinations {
		sub, changed, err := s.subs.Subscribe(ctx, dest, s.cfg.DefaultDestinationKind, crawler.SubscriptionAll, "")
		if err != nil {
			s.logger.Warn("auto-subscribe default destination", zap.String("destination", dest), zap.Error(err))
			continue
		}
		if changed {
			s.logger.Info("default destination subscribed", zap.String("destination", dest), zap.Int64("id", sub.ID))
		}
	}
}

// Prune removes audit entries older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	if s.pruner == nil || s.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	n, err := s.pruner.PruneDeliveries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	s.logger.Info("audit entries pruned", zap.Int64("count", n), zap.Time("before", cutoff))
	return n, nil
}

func (s *Scheduler) startPruneJob(ctx context.Context) (func(), error) {
	if s.cfg.PruneSchedule == "" || s.pruner == nil {
		return func() {}, nil
	}
	c := cron.New(
		cron.WithLogger(cronLogger{logger: s.logger.Named("cron")}),
		cron.WithChain(cron.Recover(cronLogger{logger: s.logger.Named("cron")})),
	)
	if _, err := c.AddFunc(s.cfg.PruneSchedule, func() {
		if _, err := s.Prune(ctx); err != nil {
			s.logger.Warn("audit prune failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule audit prune: %w", err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
