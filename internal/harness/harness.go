package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/intentd/internal/app"
	"github.com/roach88/intentd/internal/contract"
	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/realm/demo"
	"github.com/roach88/intentd/internal/statestore"
	"github.com/roach88/intentd/internal/store"
	"github.com/roach88/intentd/internal/testutil"
)

// ConsumerGroup is the WAL consumer group publish steps read with.
const ConsumerGroup = "harness"

// stubTimeout bounds blocking stubs that declare no timeout.
const stubTimeout = 50 * time.Millisecond

// recovery keeps injected durable failures fast: three retries after the
// first failed commit, a few milliseconds apart.
var recovery = statestore.RecoveryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxTries:        3,
	Workers:         1,
}

// Harness runs one scenario against a freshly wired engine.
type Harness struct {
	app   *app.App
	clock *testutil.FakeClock

	mu    sync.Mutex
	calls map[string]int

	executions map[string]model.Execution // By step name
	seen       map[string]bool            // Execution ids already reported
	tenants    map[string]bool
}

// Run executes a scenario and returns its result. The returned error
// reports harness failures (the engine could not be wired, a step could
// not be carried out); scenario failures are recorded in the Result.
//
// Each run gets its own SQLite file in a temporary directory, removed
// before Run returns.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "intentd-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		clock:      testutil.NewFakeClock(time.Time{}),
		calls:      make(map[string]int),
		executions: make(map[string]model.Execution),
		seen:       make(map[string]bool),
		tenants:    make(map[string]bool),
	}

	opts := app.Options{
		Store:      store.Options{DSN: filepath.Join(dir, "scenario.db"), Now: h.clock.Now},
		StateStore: statestore.Options{Recovery: recovery},
		Register:   h.register(scenario.Stubs),
		Manager: []engine.ManagerOption{
			engine.WithIDGenerator(testutil.NewSequenceIDs("id")),
			engine.WithWorkers(1),
		},
	}
	if scenario.Contracts != "" {
		set, err := contract.LoadDir(scenario.Contracts)
		if err != nil {
			return nil, fmt.Errorf("failed to load contracts: %w", err)
		}
		opts.Contracts = set
	}
	if n := scenario.Faults.DurableCommitFailures; n > 0 {
		opts.WrapDurable = func(d statestore.Durable) statestore.Durable {
			return &faultyDurable{Durable: d, failures: n}
		}
	}

	h.app, err = app.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to wire engine: %w", err)
	}
	defer h.app.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.runStep(ctx, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	for _, assertion := range scenario.Assertions {
		if err := h.check(ctx, result, assertion); err != nil {
			result.AddError(err.Error())
		}
	}

	h.mu.Lock()
	for k, v := range h.calls {
		result.HandlerCalls[k] = v
	}
	h.mu.Unlock()
	return result, nil
}

// register installs the demo realm and the scenario's stubs, counting
// every handler invocation.
func (h *Harness) register(stubs []Stub) func(*engine.Registry, *contract.Set) error {
	return func(reg *engine.Registry, contracts *contract.Set) error {
		realm := engine.NewRegistry()
		if err := demo.Register(realm, contracts); err != nil {
			return err
		}
		for _, stub := range stubs {
			var opts []engine.HandlerOption
			if stub.NonIdempotent {
				opts = append(opts, engine.NonIdempotent())
			}
			timeout := stubTimeout
			if stub.Timeout != "" {
				timeout, _ = time.ParseDuration(stub.Timeout)
			}
			if stub.Block || stub.Timeout != "" {
				opts = append(opts, engine.WithTimeout(timeout))
			}
			if _, exists := realm.Lookup(stub.IntentType); exists {
				return fmt.Errorf("stub %q shadows a demo intent type", stub.IntentType)
			}
			if err := realm.Register(stub.IntentType, stubHandler(stub), opts...); err != nil {
				return err
			}
		}

		for _, intentType := range realm.Types() {
			r, _ := realm.Lookup(intentType)
			opts := []engine.HandlerOption{engine.WithMaxArtifacts(r.MaxArtifacts)}
			if !r.Idempotent {
				opts = append(opts, engine.NonIdempotent())
			}
			if r.Timeout > 0 {
				opts = append(opts, engine.WithTimeout(r.Timeout))
			}
			if err := reg.Register(intentType, h.counting(intentType, r.Handler), opts...); err != nil {
				return err
			}
		}
		return nil
	}
}

func (h *Harness) counting(intentType string, next engine.Handler) engine.Handler {
	return engine.HandlerFunc(func(ctx context.Context, intent model.Intent) ([]model.Artifact, error) {
		h.mu.Lock()
		h.calls[intentType]++
		h.mu.Unlock()
		return next.Execute(ctx, intent)
	})
}

func stubHandler(stub Stub) engine.Handler {
	return engine.HandlerFunc(func(ctx context.Context, intent model.Intent) ([]model.Artifact, error) {
		switch {
		case stub.Error != "":
			return nil, errors.New(stub.Error)
		case stub.Block:
			<-ctx.Done()
			return nil, ctx.Err()
		}
		artifactType := stub.ArtifactType
		if artifactType == "" {
			artifactType = "stub"
		}
		state := model.LifecycleState(stub.State)
		if state == "" {
			state = model.StateReady
		}
		return []model.Artifact{{ArtifactType: artifactType, LifecycleState: state}}, nil
	})
}

func (h *Harness) runStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Submit != nil:
		return h.submit(ctx, step.Submit, result)
	case step.Terminate != nil:
		return h.terminate(ctx, step.Terminate, result)
	case step.Publish:
		return h.publish(ctx, result)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
	}
	return nil
}

func (h *Harness) submit(ctx context.Context, step *SubmitStep, result *Result) error {
	params, err := h.resolveValue(step.Parameters)
	if err != nil {
		return err
	}
	intent := model.Intent{
		IntentType: step.IntentType,
		TenantID:   step.Tenant,
		SessionID:  step.Session,
	}
	if params != nil {
		intent.Parameters = params.(map[string]any)
	}

	copies := max(step.Copies, 1)
	execs := make([]model.Execution, copies)
	errs := make([]error, copies)
	var g errgroup.Group
	for i := range copies {
		g.Go(func() error {
			execs[i], errs[i] = h.app.Manager.Submit(ctx, intent)
			return nil
		})
	}
	g.Wait()

	ids := make(map[string]bool)
	for i, err := range errs {
		if err != nil {
			code := string(model.CodeOf(err))
			result.record(TraceEvent{Type: EventRejected, IntentType: step.IntentType, ErrorCode: code})
			h.expectError(result, step.As, step.Expect, code)
			return nil
		}
		ids[execs[i].ExecutionID] = true
	}
	if len(ids) != 1 {
		result.AddError(fmt.Sprintf("%d concurrent submissions produced %d executions", copies, len(ids)))
	}

	exec := execs[0]
	duplicate := h.seen[exec.ExecutionID]
	h.seen[exec.ExecutionID] = true

	// Which of several concurrent copies wins the claim is a race, so the
	// trace leaves their execution id out.
	traceID := exec.ExecutionID
	if copies > 1 {
		traceID = ""
	}
	result.record(TraceEvent{
		Type:        EventSubmit,
		IntentType:  step.IntentType,
		ExecutionID: traceID,
		Copies:      step.Copies,
		Duplicate:   duplicate,
	})
	h.tenants[step.Tenant] = true

	h.app.Manager.ProcessPending(ctx)
	done, err := h.app.Manager.Status(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}

	ev := TraceEvent{
		Type:        EventExecution,
		IntentType:  done.IntentType,
		ExecutionID: traceID,
		Status:      string(done.Status),
	}
	if done.Error != nil {
		ev.ErrorCode = string(done.Error.Code)
	}
	for _, ref := range done.Artifacts {
		ev.Artifacts = append(ev.Artifacts, ref.ArtifactID)
	}
	result.record(ev)

	if step.As != "" {
		h.executions[step.As] = done
	}
	h.expectExecution(result, step.As, step.Expect, done)
	return nil
}

func (h *Harness) expectExecution(result *Result, name string, expect *Expect, exec model.Execution) {
	if expect == nil {
		return
	}
	label := stepLabel(name, exec.IntentType)
	if expect.ErrorCode != "" {
		got := ""
		if exec.Error != nil {
			got = string(exec.Error.Code)
		}
		if got != expect.ErrorCode {
			result.AddError(fmt.Sprintf("%s: expected error code %s, got %q", label, expect.ErrorCode, got))
		}
	}
	if expect.Status != "" && string(exec.Status) != expect.Status {
		result.AddError(fmt.Sprintf("%s: expected status %s, got %s", label, expect.Status, exec.Status))
	}
	if expect.Artifacts != nil && len(exec.Artifacts) != *expect.Artifacts {
		result.AddError(fmt.Sprintf("%s: expected %d artifacts, got %d", label, *expect.Artifacts, len(exec.Artifacts)))
	}
	if expect.SameAs != "" {
		if prior := h.executions[expect.SameAs]; prior.ExecutionID != exec.ExecutionID {
			result.AddError(fmt.Sprintf("%s: expected execution %s of %q, got %s",
				label, prior.ExecutionID, expect.SameAs, exec.ExecutionID))
		}
	}
}

// expectError checks a step that failed synchronously.
func (h *Harness) expectError(result *Result, name string, expect *Expect, code string) {
	label := stepLabel(name, "")
	switch {
	case expect == nil || expect.ErrorCode == "":
		result.AddError(fmt.Sprintf("%s: unexpected %s", label, code))
	case expect.ErrorCode != code:
		result.AddError(fmt.Sprintf("%s: expected error code %s, got %s", label, expect.ErrorCode, code))
	}
}

func stepLabel(name, fallback string) string {
	if name != "" {
		return fmt.Sprintf("step %q", name)
	}
	if fallback != "" {
		return fmt.Sprintf("step %s", fallback)
	}
	return "step"
}

func (h *Harness) terminate(ctx context.Context, step *TerminateStep, result *Result) error {
	artifactID, err := h.resolve(step.Artifact)
	if err != nil {
		return err
	}
	a, err := h.app.Manager.Terminate(ctx, artifactID, step.Tenant, step.Session)
	if err != nil {
		code := string(model.CodeOf(err))
		result.record(TraceEvent{Type: EventTerminate, ArtifactID: artifactID, ErrorCode: code})
		h.expectError(result, "", step.Expect, code)
		return nil
	}
	result.record(TraceEvent{Type: EventTerminate, ArtifactID: a.ArtifactID, State: string(a.LifecycleState)})
	if step.Expect != nil && step.Expect.ErrorCode != "" {
		result.AddError(fmt.Sprintf("terminate %s: expected error code %s, got success", artifactID, step.Expect.ErrorCode))
	}
	return nil
}

// publish drains the outbox into the WAL, then reads and acknowledges
// every new entry of every tenant the scenario submitted for.
func (h *Harness) publish(ctx context.Context, result *Result) error {
	for {
		res, err := h.app.Publisher.PublishDue(ctx)
		if err != nil {
			return err
		}
		if res.Published+res.Retried+res.Failed == 0 {
			break
		}
	}

	tenants := make([]string, 0, len(h.tenants))
	for t := range h.tenants {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenant := range tenants {
		partitions, err := h.app.Log.Partitions(ctx, tenant)
		if err != nil {
			return err
		}
		for _, pk := range partitions {
			entries, err := h.app.Log.ReadGroup(ctx, ConsumerGroup, pk, 1000)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				result.record(TraceEvent{
					Type:         EventWAL,
					EventType:    entry.EventType,
					ArtifactID:   payloadArtifact(entry.Payload),
					PartitionKey: entry.PartitionKey,
					Offset:       entry.Offset,
				})
				if err := h.app.Log.Ack(ctx, ConsumerGroup, pk, entry.Offset); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// payloadArtifact extracts the artifact id from an event payload.
func payloadArtifact(payload []byte) string {
	var ev struct {
		ArtifactID string `json:"artifact_id"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ""
	}
	return ev.ArtifactID
}

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var artifactRef = regexp.MustCompile(`^([A-Za-z0-9_-]+)\.artifact(?:\[(\d+)\])?$`)

// resolve maps a reference ("name", "name.artifact", "name.artifact[i]")
// to an execution or artifact id. Anything else is returned unchanged.
func (h *Harness) resolve(ref string) (string, error) {
	if m := artifactRef.FindStringSubmatch(ref); m != nil {
		exec, ok := h.executions[m[1]]
		if !ok {
			return "", fmt.Errorf("unknown step %q in reference %q", m[1], ref)
		}
		i := 0
		if m[2] != "" {
			i, _ = strconv.Atoi(m[2])
		}
		if i >= len(exec.Artifacts) {
			return "", fmt.Errorf("reference %q: step produced %d artifacts", ref, len(exec.Artifacts))
		}
		return exec.Artifacts[i].ArtifactID, nil
	}
	if exec, ok := h.executions[ref]; ok {
		return exec.ExecutionID, nil
	}
	return ref, nil
}

// resolveValue substitutes ${ref} inside every string of v.
func (h *Harness) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		var firstErr error
		out := refPattern.ReplaceAllStringFunc(val, func(m string) string {
			ref := strings.TrimSuffix(strings.TrimPrefix(m, "${"), "}")
			id, err := h.resolve(ref)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			return id
		})
		return out, firstErr
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := h.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := h.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// faultyDurable fails the first failures durable commits.
type faultyDurable struct {
	statestore.Durable

	mu       sync.Mutex
	failures int
}

func (f *faultyDurable) CommitExecution(ctx context.Context, c store.Commit) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("injected durable commit failure")
	}
	return f.Durable.CommitExecution(ctx, c)
}
