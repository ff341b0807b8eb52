package statestore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/queue"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/tier"
)

// Default timeouts.
const (
	DefaultFastTimeout    = 2 * time.Second
	DefaultDurableTimeout = 2 * time.Second
	DefaultCommitTimeout  = 5 * time.Second
)

// Durable is the durable tier as seen by the state store.
// *store.Store implements it.
type Durable interface {
	GetArtifact(ctx context.Context, artifactID string) (model.Artifact, error)
	CommitExecution(ctx context.Context, c store.Commit) error
	TransitionArtifact(ctx context.Context, artifactID string, from, to model.LifecycleState, event *model.OutboxEntry) (model.Artifact, error)
}

// Options configures a DualTierStore. Zero values take defaults.
type Options struct {
	FastTimeout    time.Duration
	DurableTimeout time.Duration
	CommitTimeout  time.Duration
	Recovery       RecoveryPolicy
}

func (o Options) withDefaults() Options {
	if o.FastTimeout <= 0 {
		o.FastTimeout = DefaultFastTimeout
	}
	if o.DurableTimeout <= 0 {
		o.DurableTimeout = DefaultDurableTimeout
	}
	if o.CommitTimeout <= 0 {
		o.CommitTimeout = DefaultCommitTimeout
	}
	o.Recovery = o.Recovery.withDefaults()
	return o
}

// Stats counts notable store events.
type Stats struct {
	Recovered     int64 // Commits that succeeded on the recovery queue
	Abandoned     int64 // Commits recovery gave up on
	Repaired      int64 // Fast copies rewritten from the durable tier
	DegradedReads int64 // ACTIVE fast copies served while the durable tier was unavailable
}

// DualTierStore is the artifact store. It is safe for concurrent use.
type DualTierStore struct {
	fast    tier.Tier
	durable Durable
	opts    Options

	mu      sync.Mutex
	running bool
	jobs    *queue.Queue[*recoveryJob]

	repairs sync.WaitGroup

	recovered     atomic.Int64
	abandoned     atomic.Int64
	repaired      atomic.Int64
	degradedReads atomic.Int64
}

// New creates a store over the given tiers.
func New(fast tier.Tier, durable Durable, opts Options) *DualTierStore {
	return &DualTierStore{
		fast:    fast,
		durable: durable,
		opts:    opts.withDefaults(),
		jobs:    queue.New[*recoveryJob](),
	}
}

// Options returns the effective options.
func (s *DualTierStore) Options() Options {
	return s.opts
}

// Stats returns a snapshot of the counters.
func (s *DualTierStore) Stats() Stats {
	return Stats{
		Recovered:     s.recovered.Load(),
		Abandoned:     s.abandoned.Load(),
		Repaired:      s.repaired.Load(),
		DegradedReads: s.degradedReads.Load(),
	}
}

// Write makes a commit durable.
//
// Returns nil once the durable commit succeeded. A VALIDATION_ERROR or
// NOT_FOUND from the durable tier is returned as is. Any other failure is
// retried on the recovery queue; if that fails too the result is TIMEOUT
// when ctx expired and DURABILITY_FAILURE otherwise. On every error path
// the staged fast copies are purged.
func (s *DualTierStore) Write(ctx context.Context, c store.Commit) error {
	s.stage(ctx, c)

	err := s.commitOnce(ctx, c)
	if err == nil {
		s.promote(ctx, c)
		return nil
	}
	if !recoverable(err) {
		s.purge(ctx, c)
		return err
	}

	slog.Warn("durable commit failed, queued for recovery",
		"execution_id", c.ExecutionID,
		"error", err,
	)
	return s.recoverCommit(ctx, c)
}

func (s *DualTierStore) commitOnce(ctx context.Context, c store.Commit) error {
	return model.WithinErr(ctx, s.opts.CommitTimeout, "durable commit", func(ctx context.Context) error {
		return s.durable.CommitExecution(ctx, c)
	})
}

// recoverable reports whether a failed commit is worth retrying. A
// conflict means the execution already left RUNNING, so no retry can land.
func recoverable(err error) bool {
	if errors.Is(err, store.ErrConflict) {
		return false
	}
	switch model.CodeOf(err) {
	case model.CodeValidation, model.CodeNotFound:
		return false
	}
	return true
}

// stage writes PENDING copies to the fast tier. Failures only cost read
// latency, so they are logged and ignored.
func (s *DualTierStore) stage(ctx context.Context, c store.Commit) {
	for _, a := range c.Artifacts {
		staged := a
		staged.LifecycleState = model.StatePending
		if err := s.putFast(ctx, staged); err != nil {
			slog.Warn("fast tier staging failed",
				"artifact_id", a.ArtifactID,
				"tier", s.fast.Name(),
				"error", err,
			)
		}
	}
}

// promote replaces the staged copies with the committed ones.
func (s *DualTierStore) promote(ctx context.Context, c store.Commit) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range c.Artifacts {
		if err := s.putFast(ctx, a); err != nil {
			// Stale PENDING copies are verified on read, so this is safe.
			slog.Warn("fast tier promotion failed",
				"artifact_id", a.ArtifactID,
				"tier", s.fast.Name(),
				"error", err,
			)
		}
	}
}

// purge removes the staged copies of a commit that will not happen.
func (s *DualTierStore) purge(ctx context.Context, c store.Commit) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range c.Artifacts {
		err := model.WithinErr(ctx, s.opts.FastTimeout, "fast tier delete", func(ctx context.Context) error {
			return s.fast.Delete(ctx, a.ArtifactID)
		})
		if err != nil {
			slog.Warn("fast tier purge failed",
				"artifact_id", a.ArtifactID,
				"tier", s.fast.Name(),
				"error", err,
			)
		}
	}
}

func (s *DualTierStore) putFast(ctx context.Context, a model.Artifact) error {
	return model.WithinErr(ctx, s.opts.FastTimeout, "fast tier write", func(ctx context.Context) error {
		return s.fast.Put(ctx, a)
	})
}

// Read returns an artifact.
//
// Fast copies in a terminal or committed-immutable state are served
// directly. Otherwise the durable tier decides: its copy wins and the fast
// tier is repaired in the background. When the durable tier times out the
// result is TIMEOUT, never NOT_FOUND; an ACTIVE fast copy is served in that
// case since ACTIVE was only ever written after a durable commit.
func (s *DualTierStore) Read(ctx context.Context, artifactID string) (model.Artifact, error) {
	fast, ferr := model.Within(ctx, s.opts.FastTimeout, "fast tier read", func(ctx context.Context) (model.Artifact, error) {
		return s.fast.Get(ctx, artifactID)
	})
	haveFast := ferr == nil
	if haveFast && !fast.LifecycleState.Mutable() {
		return fast, nil
	}
	if ferr != nil && !model.IsNotFound(ferr) {
		slog.Warn("fast tier read failed",
			"artifact_id", artifactID,
			"tier", s.fast.Name(),
			"error", ferr,
		)
	}

	durable, derr := model.Within(ctx, s.opts.DurableTimeout, "durable read", func(ctx context.Context) (model.Artifact, error) {
		return s.durable.GetArtifact(ctx, artifactID)
	})
	switch {
	case derr == nil:
		if !haveFast || fast.LifecycleState != durable.LifecycleState {
			s.repair(ctx, durable)
		}
		return durable, nil

	case model.IsNotFound(derr):
		// A PENDING copy may belong to a commit still in flight; leave it.
		if haveFast && fast.LifecycleState == model.StateActive {
			s.evict(ctx, artifactID)
		}
		return model.Artifact{}, derr

	case haveFast && fast.LifecycleState == model.StateActive:
		s.degradedReads.Add(1)
		slog.Warn("durable tier unavailable, serving fast copy",
			"artifact_id", artifactID,
			"error", derr,
		)
		return fast, nil
	}

	return model.Artifact{}, derr
}

// repair rewrites the fast copy from the durable record in the background.
func (s *DualTierStore) repair(ctx context.Context, a model.Artifact) {
	ctx = context.WithoutCancel(ctx)
	s.repairs.Add(1)
	go func() {
		defer s.repairs.Done()
		if err := s.putFast(ctx, a); err != nil {
			slog.Debug("fast tier repair failed", "artifact_id", a.ArtifactID, "error", err)
			return
		}
		s.repaired.Add(1)
	}()
}

func (s *DualTierStore) evict(ctx context.Context, artifactID string) {
	ctx = context.WithoutCancel(ctx)
	s.repairs.Add(1)
	go func() {
		defer s.repairs.Done()
		_ = model.WithinErr(ctx, s.opts.FastTimeout, "fast tier delete", func(ctx context.Context) error {
			return s.fast.Delete(ctx, artifactID)
		})
	}()
}

// Transition moves an artifact along its lifecycle in the durable tier,
// staging event in the same transaction, then refreshes the fast copy.
func (s *DualTierStore) Transition(ctx context.Context, artifactID string, from, to model.LifecycleState, event *model.OutboxEntry) (model.Artifact, error) {
	updated, err := model.Within(ctx, s.opts.DurableTimeout, "artifact transition", func(ctx context.Context) (model.Artifact, error) {
		return s.durable.TransitionArtifact(ctx, artifactID, from, to, event)
	})
	if err != nil {
		return model.Artifact{}, err
	}
	if err := s.putFast(context.WithoutCancel(ctx), updated); err != nil {
		slog.Warn("fast tier update failed",
			"artifact_id", artifactID,
			"tier", s.fast.Name(),
			"error", err,
		)
	}
	return updated, nil
}

// Close waits for background repairs and stops accepting recovery jobs.
func (s *DualTierStore) Close() error {
	s.jobs.Close()
	s.repairs.Wait()
	return nil
}
