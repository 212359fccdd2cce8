// Package notify delivers the notification rows the engine writes to the
// events outbox. Delivery is asynchronous and at-least-once per sink.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"servimatch/internal/config"
	"servimatch/internal/metrics"
	"servimatch/internal/repo"
)

const (
	defaultInterval    = 2 * time.Second
	defaultBatch       = 100
	defaultMaxAttempts = 5
)

type Dispatcher struct {
	Repo        repo.Repo
	Sinks       []Sink
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// New builds a dispatcher with the sinks enabled in cfg.
func (d *Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func New(r repo.Repo, cfg config.Notifications, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		Repo:        r,
		Interval:    cfg.Interval,
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
		Metrics:     m,
		Now:         time.Now,
	}
	if cfg.Log {
		d.Sinks = append(d.Sinks, LogSink{Logger: logger.With("component", "notify")})
	}
	for i, hook := range cfg.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		d.Sinks = append(d.Sinks, NewWebhookSink(hook.SinkName(i), hook))
	}
	return d
}

// Result counts what one pass over all sinks did.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Filtered  int `json:"filtered"`
}

// Run polls the outbox until ctx is done or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher is already running")
	}
	d.running = true
	d.done = make(chan struct{})
	done := d.done
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	if len(d.Sinks) == 0 {
		d.log().Info("notification dispatcher has no sinks")
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		close(d.done)
		d.running = false
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	res, err := d.RunNow(ctx)
	if err != nil {
		d.log().Error("notification dispatch failed", "error", err)
		return
	}
	if res.Delivered > 0 || res.Failed > 0 || res.Dropped > 0 {
		d.log().Info("notification dispatch", "delivered", res.Delivered, "failed", res.Failed, "dropped", res.Dropped)
	}
}

// RunNow makes one delivery pass over every sink.
func (d *Dispatcher) RunNow(ctx context.Context) (Result, error) {
	var total Result
	for _, sink := range d.Sinks {
		res, err := d.dispatchSink(ctx, sink)
		total.Delivered += res.Delivered
		total.Failed += res.Failed
		total.Dropped += res.Dropped
		total.Filtered += res.Filtered
		if err != nil {
			return total, fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return total, nil
}

func (d *Dispatcher) dispatchSink(ctx context.Context, sink Sink) (Result, error) {
	var res Result
	cur, err := d.Repo.GetCursor(ctx, sink.Name())
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	batch := d.BatchSize
	if batch <= 0 {
		batch = defaultBatch
	}
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	evts, err := d.Repo.NotificationsAfter(ctx, cur.LastEventID, batch)
	if err != nil || len(evts) == 0 {
		return res, err
	}
	start := cur
	for _, evt := range evts {
		if !sink.Accepts(evt.Type) {
			res.Filtered++
			cur.LastEventID, cur.Failures = evt.ID, 0
			continue
		}
		if err := sink.Deliver(ctx, evt); err != nil {
			cur.Failures++
			if cur.Failures < maxAttempts {
				res.Failed++
				d.Metrics.Delivery(sink.Name(), "failed")
				d.log().Warn("notification delivery failed", "sink", sink.Name(), "event_id", evt.ID, "attempt", cur.Failures, "error", err)
				break
			}
			res.Dropped++
			d.Metrics.Delivery(sink.Name(), "dropped")
			d.log().Error("notification dropped", "sink", sink.Name(), "event_id", evt.ID, "attempts", cur.Failures, "error", err)
		} else {
			res.Delivered++
			d.Metrics.Delivery(sink.Name(), "delivered")
		}
		cur.LastEventID, cur.Failures = evt.ID, 0
	}
	if cur == start {
		return res, nil
	}
	cur.Sink = sink.Name()
	cur.UpdatedAt = repo.Stamp(d.now())
	return res, d.Repo.SaveCursor(ctx, cur)
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
