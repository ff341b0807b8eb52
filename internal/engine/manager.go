package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/intentd/internal/idempotency"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/queue"
	"github.com/roach88/intentd/internal/store"
)

// Defaults for Manager options.
const (
	DefaultWorkers     = 4
	DefaultTimeout     = 30 * time.Second
	DefaultReadTimeout = 2 * time.Second
)

// ExecutionStore persists execution records. *store.Store implements it.
type ExecutionStore interface {
	GetExecution(ctx context.Context, executionID string) (model.Execution, error)
	TransitionExecution(ctx context.Context, executionID string, from, to model.ExecutionStatus, refs []model.ArtifactRef, info *model.ErrorInfo) error
	SweepInterrupted(ctx context.Context, info *model.ErrorInfo) ([]string, error)
}

// ArtifactStore is the dual-tier artifact store.
// *statestore.DualTierStore implements it.
type ArtifactStore interface {
	Write(ctx context.Context, c store.Commit) error
	Read(ctx context.Context, artifactID string) (model.Artifact, error)
	Transition(ctx context.Context, artifactID string, from, to model.LifecycleState, event *model.OutboxEntry) (model.Artifact, error)
}

// LineageReader answers ancestry queries. *lineage.Tracker implements it.
type LineageReader interface {
	Ancestors(ctx context.Context, artifactID string) ([]string, error)
	Descendants(ctx context.Context, artifactID string) ([]string, error)
}

// Resolver decides whether an intent needs a new execution.
// *idempotency.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, intent model.Intent, idempotent bool) (idempotency.Resolution, error)
	Release(ctx context.Context, exec model.Execution)
}

// IntentValidator checks intent parameters against a declared contract
// before dispatch. *contract.Set implements it.
type IntentValidator interface {
	ValidateIntent(intent model.Intent) error
}

// Notifier is poked after every commit that staged outbox rows.
// *outbox.Publisher implements it.
type Notifier interface {
	Notify()
}

// Direction selects a lineage query.
type Direction string

const (
	Ancestors   Direction = "ancestors"
	Descendants Direction = "descendants"
)

// job is a claimed execution waiting for a worker.
type job struct {
	intent model.Intent
	exec   model.Execution
	reg    Registration
}

// Manager owns the execution lifecycle:
//
//	SUBMITTED -> RUNNING -> COMPLETED | FAILED
//
// Submit validates and resolves an intent and queues the claimed
// execution. Workers started by Run move it to RUNNING, invoke the
// handler under the execution deadline, and commit the artifacts, their
// lineage and outbox rows together with the COMPLETED transition.
//
// INVARIANTS:
//   - COMPLETED is only recorded by the durable commit transaction
//   - A FAILED execution never leaves READY artifacts
//   - Each claimed execution is handled by exactly one worker
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	executions ExecutionStore
	artifacts  ArtifactStore
	lineage    LineageReader
	resolver   Resolver
	registry   *Registry

	ids            IDGenerator
	now            func() time.Time
	validator      IntentValidator
	notifier       Notifier
	workers        int
	defaultTimeout time.Duration
	readTimeout    time.Duration

	queue *queue.Queue[job]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithWorkers sets the number of concurrent executions.
func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithDefaultTimeout sets the execution deadline for handlers registered
// without one.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithReadTimeout bounds status reads.
func WithReadTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.readTimeout = d
		}
	}
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(g IDGenerator) ManagerOption {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithClock sets the source of recorded timestamps and partition days.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithValidator enables contract validation on Submit.
func WithValidator(v IntentValidator) ManagerOption {
	return func(m *Manager) {
		m.validator = v
	}
}

// WithNotifier registers the outbox publisher to wake after commits.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = n
	}
}

// NewManager creates a Manager. The registry is used as is; later
// registrations are visible to the manager.
func NewManager(
	executions ExecutionStore,
	artifacts ArtifactStore,
	lineage LineageReader,
	resolver Resolver,
	registry *Registry,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		executions:     executions,
		artifacts:      artifacts,
		lineage:        lineage,
		resolver:       resolver,
		registry:       registry,
		ids:            UUIDv7Generator{},
		now:            time.Now,
		workers:        DefaultWorkers,
		defaultTimeout: DefaultTimeout,
		readTimeout:    DefaultReadTimeout,
		queue:          queue.New[job](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit accepts an intent and returns its execution.
//
// For a duplicate of an in-flight or finished intent the existing
// execution is returned and nothing new runs. Otherwise a SUBMITTED
// execution is created and queued. Returns VALIDATION_ERROR for malformed
// intents, unknown intent types and contract violations.
func (m *Manager) Submit(ctx context.Context, intent model.Intent) (model.Execution, error) {
	if err := intent.Validate(); err != nil {
		return model.Execution{}, err
	}
	reg, ok := m.registry.Lookup(intent.IntentType)
	if !ok {
		return model.Execution{}, model.NewValidationError("no handler registered for intent type %q", intent.IntentType)
	}
	if m.validator != nil {
		if err := m.validator.ValidateIntent(intent); err != nil {
			return model.Execution{}, err
		}
	}

	intent, err := intent.Clone()
	if err != nil {
		return model.Execution{}, err
	}
	intent.ExecutionID = m.ids.NewID()

	res, err := m.resolver.Resolve(ctx, intent, reg.Idempotent)
	if err != nil {
		return model.Execution{}, fmt.Errorf("submit %s: %w", intent.IntentType, err)
	}
	if !res.Claimed {
		slog.Info("duplicate submission",
			"intent_type", intent.IntentType,
			"execution_id", res.Execution.ExecutionID,
			"status", res.Execution.Status,
		)
		return res.Execution, nil
	}

	if !m.queue.Enqueue(job{intent: intent, exec: res.Execution, reg: reg}) {
		stopped := &model.Error{Code: model.CodeTimeout, Message: "engine is shutting down", ExecutionID: res.Execution.ExecutionID}
		m.finish(ctx, res.Execution, model.StatusSubmitted, stopped)
		return model.Execution{}, stopped
	}

	slog.Info("execution submitted",
		"intent_type", intent.IntentType,
		"execution_id", res.Execution.ExecutionID,
		"tenant_id", intent.TenantID,
	)
	return res.Execution, nil
}

// Run executes queued work on the configured number of workers until ctx
// is cancelled. Work still queued at shutdown is failed with a retryable
// TIMEOUT so callers can resubmit.
//
// Run must be called at most once.
func (m *Manager) Run(ctx context.Context) error {
	slog.Info("execution manager starting", "workers", m.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			return m.worker(gctx)
		})
	}
	err := g.Wait()

	m.queue.Close()
	for _, j := range m.queue.Drain() {
		m.finish(context.WithoutCancel(ctx), j.exec, model.StatusSubmitted,
			&model.Error{Code: model.CodeTimeout, Message: "engine stopped before execution started", ExecutionID: j.exec.ExecutionID})
	}

	slog.Info("execution manager stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) worker(ctx context.Context) error {
	for {
		if j, ok := m.queue.TryDequeue(); ok {
			m.execute(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-m.queue.Wait():
			if !open {
				return nil
			}
		}
	}
}

// ProcessPending runs every queued execution on the calling goroutine and
// returns how many ran. Used by the scenario harness for deterministic
// ordering; do not mix with Run.
func (m *Manager) ProcessPending(ctx context.Context) int {
	n := 0
	for {
		j, ok := m.queue.TryDequeue()
		if !ok {
			return n
		}
		m.execute(ctx, j)
		n++
	}
}

// Pending returns the number of queued executions.
func (m *Manager) Pending() int {
	return m.queue.Len()
}

// execute drives one claimed execution to a terminal state.
func (m *Manager) execute(ctx context.Context, j job) {
	exec := j.exec
	if err := m.executions.TransitionExecution(ctx, exec.ExecutionID, model.StatusSubmitted, model.StatusRunning, nil, nil); err != nil {
		// Swept or otherwise finished while queued.
		slog.Warn("execution could not start", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	exec.Status = model.StatusRunning

	timeout := j.reg.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ectx, cancel := model.WithExecution(ctx, model.ExecutionContext{
		TenantID:    j.intent.TenantID,
		SessionID:   j.intent.SessionID,
		ExecutionID: exec.ExecutionID,
		Deadline:    time.Now().Add(timeout),
	})
	defer cancel()

	slog.Debug("execution running", "execution_id", exec.ExecutionID, "intent_type", exec.IntentType, "timeout", timeout)

	outputs, err := model.Within(ectx, 0, "handler", func(ctx context.Context) ([]model.Artifact, error) {
		return j.reg.Handler.Execute(ctx, j.intent)
	})
	if err != nil {
		m.finish(ctx, exec, model.StatusRunning, handlerFailure(exec.ExecutionID, err))
		return
	}

	commit, err := m.prepare(ectx, j, outputs)
	if err != nil {
		m.finish(ctx, exec, model.StatusRunning, failure(exec.ExecutionID, err))
		return
	}

	if err := m.artifacts.Write(ectx, commit); err != nil {
		m.finish(ctx, exec, model.StatusRunning, failure(exec.ExecutionID, err))
		return
	}

	if m.notifier != nil && len(commit.Outbox) > 0 {
		m.notifier.Notify()
	}
	m.release(ctx, exec.ExecutionID)
	slog.Info("execution completed",
		"execution_id", exec.ExecutionID,
		"intent_type", exec.IntentType,
		"artifacts", len(commit.Artifacts),
	)
}

// finish records a failure. If the execution already moved on (a commit
// that landed late, or a sweep), the stored outcome stands.
func (m *Manager) finish(ctx context.Context, exec model.Execution, from model.ExecutionStatus, cause *model.Error) {
	ctx = context.WithoutCancel(ctx)
	err := m.executions.TransitionExecution(ctx, exec.ExecutionID, from, model.StatusFailed, nil, cause.Info())
	switch {
	case err == nil:
		slog.Warn("execution failed",
			"execution_id", exec.ExecutionID,
			"intent_type", exec.IntentType,
			"code", cause.Code,
			"error", cause.Message,
		)
	case errors.Is(err, store.ErrConflict):
		slog.Info("execution finished concurrently, keeping stored outcome", "execution_id", exec.ExecutionID)
	default:
		slog.Error("recording execution failure", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	m.release(ctx, exec.ExecutionID)
}

// release hands the terminal record to the resolver.
func (m *Manager) release(ctx context.Context, executionID string) {
	ctx = context.WithoutCancel(ctx)
	done, err := m.executions.GetExecution(ctx, executionID)
	if err != nil {
		slog.Warn("reloading finished execution", "execution_id", executionID, "error", err)
		return
	}
	m.resolver.Release(ctx, done)
}

// handlerFailure classifies an error returned by a handler. Deadline
// expiry is TIMEOUT and a handler's own parameter rejection stays
// VALIDATION_ERROR; everything else is HANDLER_ERROR with the handler's
// message kept verbatim.
func handlerFailure(executionID string, err error) *model.Error {
	if errors.Is(err, context.Canceled) {
		return &model.Error{Code: model.CodeTimeout, Message: "execution interrupted", ExecutionID: executionID, Err: err}
	}
	switch model.CodeOf(err) {
	case model.CodeTimeout, model.CodeValidation:
		return failure(executionID, err)
	}
	return model.NewHandlerError(executionID, err)
}

// failure classifies an error from the commit path.
func failure(executionID string, err error) *model.Error {
	if errors.Is(err, context.Canceled) {
		return &model.Error{Code: model.CodeTimeout, Message: "execution interrupted", ExecutionID: executionID, Err: err}
	}
	c := *model.Classify(err)
	if c.ExecutionID == "" {
		c.ExecutionID = executionID
	}
	return &c
}

// Sweep fails executions a previous process left SUBMITTED or RUNNING.
// Their failure is TIMEOUT, which is retryable, so resubmitting the same
// intent starts a fresh execution. Call before Run, with no other engine
// process sharing the durable tier.
func (m *Manager) Sweep(ctx context.Context) ([]string, error) {
	ids, err := m.executions.SweepInterrupted(ctx, &model.ErrorInfo{
		Code:    model.CodeTimeout,
		Message: "interrupted by engine restart",
	})
	if err != nil {
		return nil, fmt.Errorf("sweep interrupted executions: %w", err)
	}
	if len(ids) > 0 {
		slog.Warn("swept interrupted executions", "count", len(ids))
	}
	return ids, nil
}

// Status returns an execution, bounded by the read timeout.
func (m *Manager) Status(ctx context.Context, executionID string) (model.Execution, error) {
	return model.Within(ctx, m.readTimeout, "execution status", func(ctx context.Context) (model.Execution, error) {
		return m.executions.GetExecution(ctx, executionID)
	})
}

// Await polls an execution until it is terminal or ctx ends.
func (m *Manager) Await(ctx context.Context, executionID string, interval time.Duration) (model.Execution, error) {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		exec, err := m.Status(ctx, executionID)
		if err != nil {
			return model.Execution{}, err
		}
		if exec.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, model.NewTimeoutError("await execution", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Artifact reads an artifact as seen from the caller's workspace.
// Artifacts outside the workspace are reported as NOT_FOUND.
func (m *Manager) Artifact(ctx context.Context, artifactID, tenantID, sessionID string) (model.Artifact, error) {
	a, err := m.artifacts.Read(ctx, artifactID)
	if err != nil {
		return model.Artifact{}, err
	}
	if !a.VisibleTo(tenantID, sessionID) {
		return model.Artifact{}, model.NewNotFoundError("artifact", artifactID)
	}
	return a, nil
}

// Lineage returns the ancestors or descendants of a visible artifact,
// nearest first.
func (m *Manager) Lineage(ctx context.Context, artifactID string, dir Direction, tenantID, sessionID string) ([]string, error) {
	if dir != Ancestors && dir != Descendants {
		return nil, model.NewValidationError("direction must be %q or %q", Ancestors, Descendants)
	}
	if _, err := m.Artifact(ctx, artifactID, tenantID, sessionID); err != nil {
		return nil, err
	}
	return model.Within(ctx, m.readTimeout, "lineage query", func(ctx context.Context) ([]string, error) {
		if dir == Ancestors {
			return m.lineage.Ancestors(ctx, artifactID)
		}
		return m.lineage.Descendants(ctx, artifactID)
	})
}

// Terminate ends a session-like artifact (ACTIVE -> TERMINATED) and
// publishes artifact.terminated.
func (m *Manager) Terminate(ctx context.Context, artifactID, tenantID, sessionID string) (model.Artifact, error) {
	a, err := m.Artifact(ctx, artifactID, tenantID, sessionID)
	if err != nil {
		return model.Artifact{}, err
	}
	if a.LifecycleState != model.StateActive {
		return model.Artifact{}, model.NewValidationError("artifact %s is %s; only ACTIVE artifacts can be terminated", artifactID, a.LifecycleState)
	}

	a.LifecycleState = model.StateTerminated
	ev, err := m.event(a, model.EventArtifactTerminated, a.ProducedBy.ExecutionID)
	if err != nil {
		return model.Artifact{}, err
	}
	updated, err := m.artifacts.Transition(ctx, artifactID, model.StateActive, model.StateTerminated, &ev)
	if err != nil {
		return model.Artifact{}, err
	}
	if m.notifier != nil {
		m.notifier.Notify()
	}
	slog.Info("artifact terminated", "artifact_id", artifactID, "tenant_id", tenantID)
	return updated, nil
}
