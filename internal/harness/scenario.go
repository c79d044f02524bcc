package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario drives one session through a sequence of application calls,
// flushes and clock advances against a scripted backend.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides session configuration fields, using the keys of
	// the YAML config file. app_id defaults to "app".
	Config map[string]any `yaml:"config,omitempty"`

	// Replies are scripted before the first step.
	Replies []ReplySpec `yaml:"replies,omitempty"`

	// Steps run in order. Each step settles (scoped flushes triggered by
	// token updates finish) before the next one starts.
	Steps []Step `yaml:"steps"`

	// Assertions validate the request trace and the final session state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action with its arguments.
type Step struct {
	// Action names the operation, e.g. "login", "add_tag", "flush".
	Action string `yaml:"action"`

	// Args are the action arguments.
	Args map[string]any `yaml:"args,omitempty"`
}

// ReplySpec scripts a backend response. Empty match fields match any
// request.
type ReplySpec struct {
	Kind         string         `yaml:"kind,omitempty"`
	Method       string         `yaml:"method,omitempty"`
	PathContains string         `yaml:"path_contains,omitempty"`
	Status       int            `yaml:"status,omitempty"`
	Body         map[string]any `yaml:"body,omitempty"`
	Times        int            `yaml:"times,omitempty"`
}

// Assertion types.
const (
	AssertRequestCount    = "request_count"
	AssertRequestOrder    = "request_order"
	AssertRequestContains = "request_contains"
	AssertFinalState      = "final_state"
)

// Assertion validates the request trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind is the request kind (request_count, request_contains).
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected number of requests (request_count).
	Count int `yaml:"count,omitempty"`

	// Kinds lists request kinds that must appear in this relative order
	// (request_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// Path, Body and JWT select a request of Kind (request_contains).
	// Body is a subset match.
	Path string         `yaml:"path,omitempty"`
	Body map[string]any `yaml:"body,omitempty"`
	JWT  string         `yaml:"jwt,omitempty"`

	// Field and Expect check one piece of final state (final_state).
	Field  string `yaml:"field,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// Final state fields.
const (
	FieldOnesignalID = "onesignal_id"
	FieldExternalID  = "external_id"
	FieldLanguage    = "language"
	FieldTags        = "tags"
	FieldPending     = "pending"
	FieldJWTState    = "jwt_state"
)

var finalStateFields = map[string]bool{
	FieldOnesignalID: true,
	FieldExternalID:  true,
	FieldLanguage:    true,
	FieldTags:        true,
	FieldPending:     true,
	FieldJWTState:    true,
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document. Unknown
// fields are rejected to catch typos.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every .yaml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	scenarios := make([]*Scenario, 0, len(matches))
	for _, path := range matches {
		s, err := LoadScenario(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
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

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Action == "" {
		return fmt.Errorf("action is required")
	}
	required, ok := actionArgs[step.Action]
	if !ok {
		return fmt.Errorf("unknown action %q", step.Action)
	}
	for _, name := range required {
		if _, ok := step.Args[name]; !ok {
			return fmt.Errorf("%s: argument %q is required", step.Action, name)
		}
	}
	if step.Action == ActionAdvance {
		if _, err := time.ParseDuration(argString(step.Args, "duration")); err != nil {
			return fmt.Errorf("advance: %w", err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("type is required")
	case AssertRequestCount:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for request_count")
		}
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for request_count")
		}
	case AssertRequestOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("kinds list is required for request_order")
		}
	case AssertRequestContains:
		if a.Kind == "" {
			return fmt.Errorf("kind is required for request_contains")
		}
	case AssertFinalState:
		if !finalStateFields[a.Field] {
			return fmt.Errorf("unknown final_state field %q", a.Field)
		}
		if a.Expect == nil {
			return fmt.Errorf("expect is required for final_state")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func argString(args map[string]any, name string) string {
	switch v := args[name].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
