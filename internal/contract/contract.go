package contract

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/intentd/internal/model"
)

// Contract is the compiled declaration of one intent type.
type Contract struct {
	IntentType  string
	Description string
	Idempotent  bool
	Timeout     time.Duration // Zero means the registry default
	AllowExtra  bool

	mu     *sync.Mutex // Guards the CUE context shared with the owning Set
	schema cue.Value
	fields map[string]bool
}

// Fields returns the declared parameter names in sorted order.
func (c *Contract) Fields() []string {
	names := make([]string, 0, len(c.fields))
	for name := range c.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set is a collection of contracts keyed by intent type.
//
// Thread-safety: a Set is immutable after loading. CUE contexts are not
// safe for concurrent use, so validations of one Set are serialised.
type Set struct {
	mu        sync.Mutex
	contracts map[string]*Contract
	source    string
}

// LoadError describes a contract that failed to compile.
type LoadError struct {
	Path    string // Dotted path within the CUE value, e.g. intent.ingest_file.timeout
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s: %s: %s", e.Pos, e.Path, e.Message)
	}
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Compile builds a Set from CUE source. filename is used in positions.
func Compile(src []byte, filename string) (*Set, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return fromValue(v, filename)
}

// LoadDir builds a Set from every .cue file of the package in dir.
func LoadDir(dir string) (*Set, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load contracts: %s is not a directory", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("load contracts: no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load contracts: %w", inst.Err)
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return fromValue(v, dir)
}

// Empty returns a Set without contracts. Every intent passes validation.
func Empty() *Set {
	return &Set{contracts: map[string]*Contract{}}
}

func fromValue(v cue.Value, source string) (*Set, error) {
	s := &Set{contracts: map[string]*Contract{}, source: source}

	intents := v.LookupPath(cue.ParsePath("intent"))
	if !intents.Exists() {
		return s, nil
	}
	iter, err := intents.Fields()
	if err != nil {
		return nil, &LoadError{Path: "intent", Message: err.Error(), Pos: intents.Pos()}
	}
	for iter.Next() {
		c, err := compileContract(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		c.mu = &s.mu
		s.contracts[c.IntentType] = c
	}
	return s, nil
}

func compileContract(name string, v cue.Value) (*Contract, error) {
	path := "intent." + name
	c := &Contract{IntentType: name, Idempotent: true, fields: map[string]bool{}}

	if d := v.LookupPath(cue.ParsePath("description")); d.Exists() {
		s, err := d.String()
		if err != nil {
			return nil, &LoadError{Path: path + ".description", Message: "must be a string", Pos: d.Pos()}
		}
		c.Description = s
	}
	if i := v.LookupPath(cue.ParsePath("idempotent")); i.Exists() {
		b, err := i.Bool()
		if err != nil {
			return nil, &LoadError{Path: path + ".idempotent", Message: "must be a bool", Pos: i.Pos()}
		}
		c.Idempotent = b
	}
	if a := v.LookupPath(cue.ParsePath("allow_extra")); a.Exists() {
		b, err := a.Bool()
		if err != nil {
			return nil, &LoadError{Path: path + ".allow_extra", Message: "must be a bool", Pos: a.Pos()}
		}
		c.AllowExtra = b
	}
	if t := v.LookupPath(cue.ParsePath("timeout")); t.Exists() {
		s, err := t.String()
		if err != nil {
			return nil, &LoadError{Path: path + ".timeout", Message: "must be a duration string", Pos: t.Pos()}
		}
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, &LoadError{Path: path + ".timeout", Message: fmt.Sprintf("invalid duration %q", s), Pos: t.Pos()}
		}
		c.Timeout = d
	}

	params := v.LookupPath(cue.ParsePath("parameters"))
	if !params.Exists() {
		c.schema = v.Context().CompileString("{}")
		return c, nil
	}
	if params.IncompleteKind() != cue.StructKind {
		return nil, &LoadError{Path: path + ".parameters", Message: "must be a struct", Pos: params.Pos()}
	}
	fields, err := params.Fields(cue.Optional(true))
	if err != nil {
		return nil, &LoadError{Path: path + ".parameters", Message: err.Error(), Pos: params.Pos()}
	}
	for fields.Next() {
		c.fields[fields.Selector().Unquoted()] = true
	}
	c.schema = params
	return c, nil
}

// Lookup returns the contract for an intent type.
func (s *Set) Lookup(intentType string) (*Contract, bool) {
	c, ok := s.contracts[intentType]
	return c, ok
}

// Types returns the intent types with a contract, sorted.
func (s *Set) Types() []string {
	types := make([]string, 0, len(s.contracts))
	for t := range s.contracts {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Len returns the number of contracts.
func (s *Set) Len() int { return len(s.contracts) }

// Source returns the file or directory the set was loaded from.
func (s *Set) Source() string { return s.source }

// ValidateIntent checks the intent's parameters against its contract.
// Failures are VALIDATION_ERRORs naming the offending fields.
func (s *Set) ValidateIntent(intent model.Intent) error {
	c, ok := s.contracts[intent.IntentType]
	if !ok {
		return nil
	}
	return c.Validate(intent.Parameters)
}

// Validate checks params against the contract's schema.
func (c *Contract) Validate(params map[string]any) error {
	if !c.AllowExtra {
		var unknown []string
		for name := range params {
			if !c.fields[name] {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return model.NewValidationError("%s: unknown parameters %s", c.IntentType, strings.Join(unknown, ", "))
		}
	}

	if params == nil {
		params = map[string]any{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// JSON is valid CUE, and encoding/json keeps json.Number precision.
	raw, err := json.Marshal(params)
	if err != nil {
		return model.NewValidationError("%s: parameters are not JSON: %v", c.IntentType, err)
	}
	value := c.schema.Context().CompileBytes(raw, cue.Filename("parameters.json"))
	if err := value.Err(); err != nil {
		return model.NewValidationError("%s: %v", c.IntentType, err)
	}

	unified := c.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return model.NewValidationError("%s: %s", c.IntentType, describe(err))
	}
	return nil
}

// describe flattens a CUE error list into one line.
func describe(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Error()
		if p := e.Path(); len(p) > 0 && !strings.HasPrefix(msg, strings.Join(p, ".")) {
			msg = strings.Join(p, ".") + ": " + msg
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Path: strings.Join(first.Path(), "."), Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
