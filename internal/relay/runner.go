package relay

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/outbox"
	"github.com/lalithlochan/vlasia/internal/sqs"
)

// WakeSource delivers wake-up signals. Implemented by sqs.Consumer.
type WakeSource interface {
	Receive(ctx context.Context) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Runner schedules sweeps under the lock.
type Runner struct {
	deps   Deps
	opts   Options
	locker Locker
	logger *zap.Logger
}

func NewRunner(deps Deps, opts Options, locker Locker, logger *zap.Logger) *Runner {
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Runner{deps: deps, opts: opts, locker: locker, logger: logger}
}

// RunOnce sweeps if the lock is free. ran is false when another relay holds it.
// The lock is renewed while the sweep runs and a failed renewal cancels the sweep.
func (r *Runner) RunOnce(ctx context.Context) (report Report, ran bool, err error) {
	ok, err := r.locker.TryLock(ctx)
	if err != nil {
		return Report{}, false, err
	}
	if !ok {
		r.logger.Info("relay already running")
		return Report{}, false, nil
	}
	defer func() {
		// the sweep may have been cancelled; release with a fresh context
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.locker.Unlock(unlockCtx); err != nil {
			r.logger.Warn("failed to release relay lock", zap.Error(err))
		}
	}()

	// every line of one sweep carries the same run id
	runID := uuid.NewString()
	deps := r.deps
	deps.Logger = deps.Logger.With(zap.String("run_id", runID))

	sweepCtx, cancel := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		r.renew(sweepCtx, cancel, deps.Logger)
	}()

	report = Sweep(sweepCtx, deps, r.opts)
	cancel()
	<-renewed

	logReport(deps.Logger, report)
	return report, true, nil
}

// renew refreshes the lock every LockRefresh until ctx is done. A failed
// refresh calls stop.
func (r *Runner) renew(ctx context.Context, stop context.CancelFunc, logger *zap.Logger) {
	if r.opts.LockRefresh <= 0 {
		return
	}
	ticker := time.NewTicker(r.opts.LockRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.locker.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("relay lock lost, stopping sweep", zap.Error(err))
				stop()
				return
			}
			logger.Debug("relay lock renewed")
		}
	}
}

func logReport(logger *zap.Logger, rep Report) {
	fields := []zap.Field{
		zap.Int("processed", rep.Processed()),
		zap.Int("partial_fanouts", len(rep.PartialFanouts)),
		zap.Bool("cancelled", rep.Cancelled),
		zap.Duration("took", rep.Duration),
	}
	for _, kind := range []outbox.Kind{outbox.KindSubscribers, outbox.KindContacts, outbox.KindAnnouncements} {
		k := rep.Kinds[kind]
		if k == nil {
			continue
		}
		fields = append(fields, zap.Object(string(kind), k))
	}
	logger.Info("sweep complete", fields...)
}

// Loop sweeps immediately and then on every tick until ctx is done.
func (r *Runner) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return
		case <-ticker.C:
			r.runLogged(ctx)
		}
	}
}

// ConsumeWake sweeps whenever signals arrive, then deletes them. Messages
// are deleted even when the lock was held, since the running sweep covers them.
func (r *Runner) ConsumeWake(ctx context.Context, src WakeSource) {
	for {
		if ctx.Err() != nil {
			r.logger.Info("relay stopping")
			return
		}

		msgs, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("wake receive failed", zap.Error(err))
				_ = Sleep(ctx, 5*time.Second)
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		r.logger.Debug("wake signals received", zap.Int("count", len(msgs)))
		r.runLogged(ctx)

		for _, m := range msgs {
			if err := src.Delete(ctx, m.ReceiptHandle); err != nil {
				r.logger.Warn("failed to delete wake signal", zap.Error(err))
			}
		}
	}
}

func (r *Runner) runLogged(ctx context.Context) {
	if _, _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("relay lock failed", zap.Error(err))
	}
}
