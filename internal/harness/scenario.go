package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// Scenarios drive a sequence of runs and loads against one storage and
// assert on the resulting trace and final storage contents.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// BatchSize applies to every run step that does not set its own.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Steps run in order against the same storage.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and storage.
	// Supported types: trace_count, transform_order, commit_sizes,
	// stored_outputs, run_outcomes
	Assertions []Assertion `yaml:"assertions"`
}

// Step is either a run or a load, with optional expectations.
type Step struct {
	Run    *RunStep      `yaml:"run,omitempty"`
	Load   *LoadStep     `yaml:"load,omitempty"`
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RunStep starts one run over Items.
type RunStep struct {
	Items []string `yaml:"items"`

	// Version is the declared function version. Outputs are Version + ":" + item.
	Version string `yaml:"version"`

	BatchSize  int  `yaml:"batch_size,omitempty"`
	SkipErrors bool `yaml:"skip_errors,omitempty"`

	// MaxConsecutiveErrors halts the run after that many skipped errors in
	// a row. Zero means no limit.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors,omitempty"`

	// Fail lists items whose transform call returns an error.
	Fail []string `yaml:"fail,omitempty"`

	// InterruptAfter cancels the run context during the Nth transform call.
	InterruptAfter int `yaml:"interrupt_after,omitempty"`

	// FailCommits arms that many storage commits to fail.
	FailCommits int `yaml:"fail_commits,omitempty"`
}

// LoadStep reads stored outputs. With All set it loads every stored output
// instead of those of Items.
type LoadStep struct {
	Items   []string `yaml:"items,omitempty"`
	Version string   `yaml:"version"`
	All     bool     `yaml:"all,omitempty"`
}

// ExpectClause specifies expected step behavior. Unset fields are not checked.
type ExpectClause struct {
	Phase     string   `yaml:"phase,omitempty"`
	Processed *int     `yaml:"processed,omitempty"`
	Skipped   *int     `yaml:"skipped,omitempty"`
	Failed    *int     `yaml:"failed,omitempty"`
	Error     string   `yaml:"error,omitempty"`
	Outputs   []string `yaml:"outputs,omitempty"`
}

// Assertion validates trace or final storage.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_count": Check an event type appears exactly Count times
	// - "transform_order": Check the transform saw exactly Items, in order
	// - "commit_sizes": Check successful commit sizes equal Sizes
	// - "stored_outputs": Check storage holds Count outputs, latest per item
	// - "run_outcomes": Check recorded run outcomes, oldest first
	Type string `yaml:"type"`

	// Event is the trace event type (used by trace_count).
	Event string `yaml:"event,omitempty"`

	// Count is the expected number (used by trace_count, stored_outputs).
	Count int `yaml:"count,omitempty"`

	// Items is the expected transform order (used by transform_order).
	Items []string `yaml:"items,omitempty"`

	// Sizes is the expected commit sizes (used by commit_sizes).
	Sizes []int `yaml:"sizes,omitempty"`

	// Outcomes is the expected run outcomes (used by run_outcomes).
	Outcomes []string `yaml:"outcomes,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceCount     = "trace_count"
	AssertTransformOrder = "transform_order"
	AssertCommitSizes    = "commit_sizes"
	AssertStoredOutputs  = "stored_outputs"
	AssertRunOutcomes    = "run_outcomes"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
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

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.BatchSize < 0 {
		return fmt.Errorf("batch_size must be non-negative")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	switch {
	case s.Run == nil && s.Load == nil:
		return fmt.Errorf("steps[%d]: one of run or load is required", index)
	case s.Run != nil && s.Load != nil:
		return fmt.Errorf("steps[%d]: run and load are mutually exclusive", index)
	case s.Run != nil:
		if s.Run.Version == "" {
			return fmt.Errorf("steps[%d].run: version is required", index)
		}
		if s.Run.BatchSize < 0 || s.Run.InterruptAfter < 0 || s.Run.FailCommits < 0 || s.Run.MaxConsecutiveErrors < 0 {
			return fmt.Errorf("steps[%d].run: counts must be non-negative", index)
		}
		if s.Expect != nil && s.Expect.Outputs != nil {
			return fmt.Errorf("steps[%d].expect: outputs only applies to load steps", index)
		}
	default:
		if s.Load.Version == "" {
			return fmt.Errorf("steps[%d].load: version is required", index)
		}
		if s.Load.All && len(s.Load.Items) > 0 {
			return fmt.Errorf("steps[%d].load: all and items are mutually exclusive", index)
		}
		if s.Expect != nil && (s.Expect.Phase != "" || s.Expect.Processed != nil ||
			s.Expect.Skipped != nil || s.Expect.Failed != nil || s.Expect.Error != "") {
			return fmt.Errorf("steps[%d].expect: only outputs applies to load steps", index)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTransformOrder:
		if a.Items == nil {
			return fmt.Errorf("assertions[%d]: items list is required for transform_order", index)
		}
	case AssertCommitSizes:
		if a.Sizes == nil {
			return fmt.Errorf("assertions[%d]: sizes list is required for commit_sizes", index)
		}
	case AssertStoredOutputs:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for stored_outputs", index)
		}
	case AssertRunOutcomes:
		if a.Outcomes == nil {
			return fmt.Errorf("assertions[%d]: outcomes list is required for run_outcomes", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
