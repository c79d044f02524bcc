package harness

// TraceEvent records one executed step and the requests it produced.
type TraceEvent struct {
	Step     int      `json:"step"`
	Action   string   `json:"action"`
	Requests []string `json:"requests,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step ran and every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the steps in order with the requests each produced.
	Trace []TraceEvent `json:"trace"`

	// Errors contains step failures and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// State is the final session state checked by final_state assertions.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddStep appends a step to the trace.
func (r *Result) AddStep(n int, action string, requests []string) {
	r.Trace = append(r.Trace, TraceEvent{Step: n, Action: action, Requests: requests})
}

// Requests returns every traced request in step order.
func (r *Result) Requests() []string {
	var out []string
	for _, ev := range r.Trace {
		out = append(out, ev.Requests...)
	}
	return out
}
