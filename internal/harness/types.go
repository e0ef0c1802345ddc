package harness

// TraceEvent records one flow step and its outcome.
type TraceEvent struct {
	Seq      int      `json:"seq"`
	Step     string   `json:"step"`
	Sub      string   `json:"sub,omitempty"`
	EventID  string   `json:"event_id,omitempty"`
	Accepted *bool    `json:"accepted,omitempty"`
	Replaced string   `json:"replaced,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	IDs      []string `json:"ids,omitempty"`
	Count    *int64   `json:"count,omitempty"`
	Capsule  string   `json:"capsule,omitempty"`
	Events   int      `json:"events,omitempty"`
	Error    string   `json:"error,omitempty"`
	// Age is the buffer age after an advance step.
	Age string `json:"age,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	// Notified lists event ids delivered to live listeners, in order.
	Notified []string `json:"notified,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) record(ev TraceEvent) *TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return &r.Trace[len(r.Trace)-1]
}
