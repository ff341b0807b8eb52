package statestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/store"
)

// RecoveryPolicy controls retries of failed durable commits.
type RecoveryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint // Attempts after the initial failed commit
	Workers         int
}

// DefaultRecoveryPolicy is used for zero fields.
var DefaultRecoveryPolicy = RecoveryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxTries:        5,
	Workers:         2,
}

func (p RecoveryPolicy) withDefaults() RecoveryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRecoveryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRecoveryPolicy.MaxInterval
	}
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRecoveryPolicy.MaxTries
	}
	if p.Workers <= 0 {
		p.Workers = DefaultRecoveryPolicy.Workers
	}
	return p
}

// recoveryJob is a commit waiting to be retried. ctx is the writer's
// context, so recovery stops when the writer's deadline expires.
type recoveryJob struct {
	ctx    context.Context
	commit store.Commit
	done   chan error
}

// recoverCommit hands the commit to the recovery workers, or retries inline when
// no workers are running, and waits for the outcome.
func (s *DualTierStore) recoverCommit(ctx context.Context, c store.Commit) error {
	job := &recoveryJob{ctx: ctx, commit: c, done: make(chan error, 1)}

	s.mu.Lock()
	queued := s.running && s.jobs.Enqueue(job)
	s.mu.Unlock()
	if !queued {
		s.process(job)
	}

	err := <-job.done
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &model.Error{
			Code:        model.CodeTimeout,
			Message:     "durable commit exceeded the execution deadline",
			ExecutionID: c.ExecutionID,
			Err:         err,
		}
	}
	if !recoverable(err) {
		return err
	}
	de := model.NewDurabilityError(err)
	de.ExecutionID = c.ExecutionID
	return de
}

// process retries one job to completion and reports the result.
func (s *DualTierStore) process(job *recoveryJob) {
	p := s.opts.Recovery
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	_, err := backoff.Retry(job.ctx, func() (struct{}, error) {
		err := s.commitOnce(job.ctx, job.commit)
		if err != nil && !recoverable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("durable commit retry",
				"execution_id", job.commit.ExecutionID,
				"next", next,
				"error", err,
			)
		}),
	)

	if err == nil {
		s.recovered.Add(1)
		s.promote(job.ctx, job.commit)
		slog.Info("durable commit recovered", "execution_id", job.commit.ExecutionID)
	} else {
		s.abandoned.Add(1)
		s.purge(job.ctx, job.commit)
		slog.Error("durable commit abandoned",
			"execution_id", job.commit.ExecutionID,
			"error", err,
		)
	}
	job.done <- err
}

// Run processes the recovery queue with the policy's worker count until
// ctx is cancelled. Jobs still queued at shutdown are retried inline.
func (s *DualTierStore) Run(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Recovery.Workers; i++ {
		g.Go(func() error {
			return s.worker(gctx)
		})
	}
	err := g.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	for _, job := range s.jobs.Drain() {
		s.process(job)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *DualTierStore) worker(ctx context.Context) error {
	for {
		if job, ok := s.jobs.TryDequeue(); ok {
			s.process(job)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-s.jobs.Wait():
			if !open {
				return nil
			}
		}
	}
}
