// Package scheduler runs the time-driven sweeps: request expiry and overdue
// review obligations. Each sweep is idempotent, so overlapping or missed
// ticks only shift when a change lands.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"servimatch/internal/clock"
	"servimatch/internal/engine"
	"servimatch/internal/metrics"
)

// Sweep names.
const (
	RequestExpiry   = "request_expiry"
	ObligationSweep = "obligation_sweep"
)

// Sweeper is the part of the engine the scheduler drives.
type Sweeper interface {
	ExpireDueRequests(ctx context.Context, now time.Time) (engine.ExpiryResult, error)
	SweepOverdue(ctx context.Context, now time.Time) (engine.SweepResult, error)
}

type Config struct {
	RequestExpiryInterval   time.Duration
	ObligationSweepInterval time.Duration
}

// Scheduler runs one loop per sweep.
type Scheduler struct {
	sweeper Sweeper
	clock   clock.Clock
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

func New(s Sweeper, clk clock.Clock, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{sweeper: s, clock: clk, config: cfg, logger: logger, metrics: m}
}

// Run blocks until ctx is cancelled or Stop is called. Both sweeps run once
// immediately, then on their own intervals.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.RequestExpiryInterval <= 0 || s.config.ObligationSweepInterval <= 0 {
		return errors.New("scheduler intervals must be positive")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("sweep scheduler starting",
		"request_expiry_interval", s.config.RequestExpiryInterval.String(),
		"obligation_sweep_interval", s.config.ObligationSweepInterval.String(),
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, done, RequestExpiry, s.config.RequestExpiryInterval)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, done, ObligationSweep, s.config.ObligationSweepInterval)
	}()
	wg.Wait()
	s.logger.Info("sweep scheduler stopped")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		close(s.done)
		s.running = false
	}
}

func (s *Scheduler) loop(ctx context.Context, done <-chan struct{}, sweep string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.execute(ctx, sweep)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx, sweep)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, sweep string) {
	start := time.Now()
	var err error
	switch sweep {
	case RequestExpiry:
		var res engine.ExpiryResult
		res, err = s.ExpireRequests(ctx)
		if err == nil && res.Requests > 0 {
			s.logger.Info("expired requests", "requests", res.Requests, "interests", res.Interests, "duration_ms", time.Since(start).Milliseconds())
		}
	case ObligationSweep:
		var res engine.SweepResult
		res, err = s.SweepObligations(ctx)
		if err == nil && (res.NewlyBlocking > 0 || res.Reminders > 0) {
			s.logger.Info("swept review obligations", "overdue", res.Overdue, "newly_blocking", res.NewlyBlocking,
				"reminders", res.Reminders, "duration_ms", time.Since(start).Milliseconds())
		}
	}
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "sweep", sweep, "error", err)
	}
}

// ExpireRequests runs the request expiry sweep once at the current time.
func (s *Scheduler) ExpireRequests(ctx context.Context) (engine.ExpiryResult, error) {
	res, err := s.sweeper.ExpireDueRequests(ctx, s.clock.Now())
	if err != nil {
		return res, fmt.Errorf("%s: %w", RequestExpiry, err)
	}
	s.metrics.SweepItems(RequestExpiry, "requests", res.Requests)
	s.metrics.SweepItems(RequestExpiry, "interests", res.Interests)
	return res, nil
}

// SweepObligations runs the overdue obligation sweep once at the current
// time.
func (s *Scheduler) SweepObligations(ctx context.Context) (engine.SweepResult, error) {
	res, err := s.sweeper.SweepOverdue(ctx, s.clock.Now())
	if err != nil {
		return res, fmt.Errorf("%s: %w", ObligationSweep, err)
	}
	s.metrics.SweepItems(ObligationSweep, "newly_blocking", res.NewlyBlocking)
	s.metrics.SweepItems(ObligationSweep, "reminders", res.Reminders)
	return res, nil
}

// RunNow runs both sweeps once.
func (s *Scheduler) RunNow(ctx context.Context) (engine.ExpiryResult, engine.SweepResult, error) {
	exp, err := s.ExpireRequests(ctx)
	if err != nil {
		return exp, engine.SweepResult{}, err
	}
	obl, err := s.SweepObligations(ctx)
	return exp, obl, err
}
