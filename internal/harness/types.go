package harness

// Trace event types.
const (
	EventSubmit    = "submit"
	EventRejected  = "rejected"
	EventExecution = "execution"
	EventTerminate = "terminate"
	EventWAL       = "event"
)

// TraceEvent is one observable step of a scenario run. Only the fields
// relevant to Type are set.
type TraceEvent struct {
	Seq  int    `json:"seq"`
	Type string `json:"type"`

	IntentType  string   `json:"intent_type,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Copies      int      `json:"copies,omitempty"`
	Duplicate   bool     `json:"duplicate,omitempty"`
	Status      string   `json:"status,omitempty"`
	ErrorCode   string   `json:"error_code,omitempty"`
	Artifacts   []string `json:"artifacts,omitempty"`

	ArtifactID   string `json:"artifact_id,omitempty"`
	State        string `json:"state,omitempty"`
	EventType    string `json:"event_type,omitempty"`
	PartitionKey string `json:"partition_key,omitempty"`
	Offset       int64  `json:"offset,omitempty"`
}

// Label is the event's "type:detail" form used by trace assertions, for
// example "execution:COMPLETED" or "event:artifact.ready".
func (e TraceEvent) Label() string {
	var detail string
	switch e.Type {
	case EventSubmit:
		detail = e.IntentType
	case EventRejected:
		detail = e.ErrorCode
	case EventExecution:
		detail = e.Status
	case EventTerminate:
		detail = e.State
		if e.ErrorCode != "" {
			detail = e.ErrorCode
		}
	case EventWAL:
		detail = e.EventType
	}
	return e.Type + ":" + detail
}

// Result is the outcome of a scenario run.
type Result struct {
	Pass         bool           `json:"pass"`
	Trace        []TraceEvent   `json:"trace"`
	Errors       []string       `json:"errors,omitempty"`
	HandlerCalls map[string]int `json:"handler_calls,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:         true,
		Trace:        []TraceEvent{},
		Errors:       []string{},
		HandlerCalls: map[string]int{},
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends ev with the next sequence number.
func (r *Result) record(ev TraceEvent) {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
}
