package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/intentd/internal/model"
)

// Scenario is a declarative engine test.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Contracts is a directory of CUE contracts replacing the demo realm's
	// built-in ones. Relative paths resolve against the scenario's base path.
	Contracts string `yaml:"contracts,omitempty"`

	// Stubs registers scripted handlers next to the demo realm.
	Stubs []Stub `yaml:"stubs,omitempty"`

	Faults Faults `yaml:"faults,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Stub is a scripted handler. With neither Error nor Block set it produces
// one artifact of ArtifactType.
type Stub struct {
	IntentType    string `yaml:"intent_type"`
	ArtifactType  string `yaml:"artifact_type,omitempty"`
	State         string `yaml:"state,omitempty"`
	Error         string `yaml:"error,omitempty"`
	Block         bool   `yaml:"block,omitempty"` // Wait for the execution deadline
	Timeout       string `yaml:"timeout,omitempty"`
	NonIdempotent bool   `yaml:"non_idempotent,omitempty"`
}

// Faults injects failures into the wired engine.
type Faults struct {
	// DurableCommitFailures fails that many durable commits before letting
	// commits through.
	DurableCommitFailures int `yaml:"durable_commit_failures,omitempty"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Submit    *SubmitStep    `yaml:"submit,omitempty"`
	Terminate *TerminateStep `yaml:"terminate,omitempty"`
	Publish   bool           `yaml:"publish,omitempty"`
	Advance   string         `yaml:"advance,omitempty"`
}

// SubmitStep submits an intent and drains the work queue.
type SubmitStep struct {
	As         string         `yaml:"as,omitempty"`
	IntentType string         `yaml:"intent_type"`
	Tenant     string         `yaml:"tenant"`
	Session    string         `yaml:"session,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty"`

	// Copies submits the intent that many times concurrently.
	Copies int `yaml:"copies,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// TerminateStep terminates an artifact.
type TerminateStep struct {
	Artifact string  `yaml:"artifact"`
	Tenant   string  `yaml:"tenant"`
	Session  string  `yaml:"session,omitempty"`
	Expect   *Expect `yaml:"expect,omitempty"`
}

// Expect checks a step's immediate outcome.
type Expect struct {
	Status    string `yaml:"status,omitempty"`
	ErrorCode string `yaml:"error_code,omitempty"`
	Artifacts *int   `yaml:"artifacts,omitempty"`

	// SameAs requires the step to resolve to a named earlier execution.
	SameAs string `yaml:"same_as,omitempty"`
}

// Assertion is a check run after all steps.
type Assertion struct {
	Type string `yaml:"type"`

	// Label selects trace events for trace_contains and trace_count.
	Label string `yaml:"label,omitempty"`

	// Labels is the expected order for trace_order.
	Labels []string `yaml:"labels,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Ref names the execution or artifact checked.
	Ref string `yaml:"ref,omitempty"`

	Status    string `yaml:"status,omitempty"`
	ErrorCode string `yaml:"error_code,omitempty"`
	State     string `yaml:"state,omitempty"`

	Direction string   `yaml:"direction,omitempty"`
	Expect    []string `yaml:"expect,omitempty"`

	IntentType string `yaml:"intent_type,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertExecution     = "execution"
	AssertArtifact      = "artifact"
	AssertLineage       = "lineage"
	AssertHandlerCalls  = "handler_calls"
)

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, "")
}

// LoadScenarioWithBasePath loads a scenario, resolving a relative
// contracts directory against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, basePath)
}

// ParseScenario decodes scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte, basePath string) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Contracts != "" && !filepath.IsAbs(scenario.Contracts) && basePath != "" {
		scenario.Contracts = filepath.Join(basePath, scenario.Contracts)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Faults.DurableCommitFailures < 0 {
		return fmt.Errorf("faults.durable_commit_failures must not be negative")
	}

	if s.Contracts != "" {
		if info, err := os.Stat(s.Contracts); err != nil || !info.IsDir() {
			return fmt.Errorf("contracts directory not found: %s", s.Contracts)
		}
	}

	seenStub := make(map[string]bool)
	for i, stub := range s.Stubs {
		if stub.IntentType == "" {
			return fmt.Errorf("stubs[%d]: intent_type is required", i)
		}
		if seenStub[stub.IntentType] {
			return fmt.Errorf("stubs[%d]: duplicate intent_type %q", i, stub.IntentType)
		}
		seenStub[stub.IntentType] = true
		if stub.Error != "" && stub.Block {
			return fmt.Errorf("stubs[%d]: error and block are mutually exclusive", i)
		}
		if stub.Timeout != "" {
			if _, err := time.ParseDuration(stub.Timeout); err != nil {
				return fmt.Errorf("stubs[%d]: invalid timeout %q", i, stub.Timeout)
			}
		}
		if stub.State != "" && !model.LifecycleState(stub.State).Valid() {
			return fmt.Errorf("stubs[%d]: invalid state %q", i, stub.State)
		}
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, names); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, names map[string]bool) error {
	set := 0
	if step.Submit != nil {
		set++
	}
	if step.Terminate != nil {
		set++
	}
	if step.Publish {
		set++
	}
	if step.Advance != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of submit, terminate, publish or advance is required", i)
	}

	switch {
	case step.Submit != nil:
		sub := step.Submit
		if sub.IntentType == "" {
			return fmt.Errorf("steps[%d]: submit.intent_type is required", i)
		}
		if sub.Tenant == "" {
			return fmt.Errorf("steps[%d]: submit.tenant is required", i)
		}
		if sub.Copies < 0 {
			return fmt.Errorf("steps[%d]: submit.copies must not be negative", i)
		}
		if sub.As != "" {
			if names[sub.As] {
				return fmt.Errorf("steps[%d]: name %q already used", i, sub.As)
			}
			names[sub.As] = true
		}
		if sub.Expect != nil && sub.Expect.SameAs != "" && !names[sub.Expect.SameAs] {
			return fmt.Errorf("steps[%d]: same_as %q does not name an earlier step", i, sub.Expect.SameAs)
		}
	case step.Terminate != nil:
		if step.Terminate.Artifact == "" {
			return fmt.Errorf("steps[%d]: terminate.artifact is required", i)
		}
		if step.Terminate.Tenant == "" {
			return fmt.Errorf("steps[%d]: terminate.tenant is required", i)
		}
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: invalid advance duration %q", i, step.Advance)
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Label == "" {
			return fmt.Errorf("assertion[%d]: trace_contains requires 'label' field", i)
		}
	case AssertTraceOrder:
		if len(a.Labels) < 2 {
			return fmt.Errorf("assertion[%d]: trace_order requires at least 2 labels", i)
		}
	case AssertTraceCount:
		if a.Label == "" {
			return fmt.Errorf("assertion[%d]: trace_count requires 'label' field", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertion[%d]: trace_count 'count' must not be negative", i)
		}
	case AssertExecution:
		if a.Ref == "" || a.Status == "" {
			return fmt.Errorf("assertion[%d]: execution requires 'ref' and 'status' fields", i)
		}
	case AssertArtifact:
		if a.Ref == "" || a.State == "" {
			return fmt.Errorf("assertion[%d]: artifact requires 'ref' and 'state' fields", i)
		}
	case AssertLineage:
		if a.Ref == "" {
			return fmt.Errorf("assertion[%d]: lineage requires 'ref' field", i)
		}
		if a.Direction != "" && a.Direction != "ancestors" && a.Direction != "descendants" {
			return fmt.Errorf("assertion[%d]: lineage direction must be ancestors or descendants", i)
		}
	case AssertHandlerCalls:
		if a.IntentType == "" {
			return fmt.Errorf("assertion[%d]: handler_calls requires 'intent_type' field", i)
		}
	default:
		return fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
