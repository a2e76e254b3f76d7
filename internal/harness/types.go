package harness

// Trace event types.
const (
	EventStart        = "start"
	EventTransform    = "transform"
	EventCommit       = "commit"
	EventCommitFailed = "commit_failed"
	EventFinish       = "finish"
	EventLoad         = "load"
)

// TraceEvent is one observable step of a scenario: a run starting, a
// transform call, a storage commit, a run finishing or a load.
type TraceEvent struct {
	Type    string       `json:"type"`
	Step    int          `json:"step"` // 1-based
	Version string       `json:"version,omitempty"`
	Item    string       `json:"item,omitempty"`
	Size    int          `json:"size,omitempty"` // records in a commit
	Summary *StepSummary `json:"summary,omitempty"`
	Error   string       `json:"error,omitempty"`
	Outputs []string     `json:"outputs,omitempty"`
}

// StepSummary is the reported outcome of a run step.
type StepSummary struct {
	RunID     string `json:"run_id"`
	Phase     string `json:"phase"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
	Flushed   int    `json:"flushed"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every expect clause and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains all events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends an event to the trace.
func (r *Result) AddEvent(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// Transforms returns the items passed to the transform, in call order.
func (r *Result) Transforms() []string {
	var items []string
	for _, e := range r.Trace {
		if e.Type == EventTransform {
			items = append(items, e.Item)
		}
	}
	return items
}

// CommitSizes returns the size of every successful commit, in order.
func (r *Result) CommitSizes() []int {
	var sizes []int
	for _, e := range r.Trace {
		if e.Type == EventCommit {
			sizes = append(sizes, e.Size)
		}
	}
	return sizes
}
