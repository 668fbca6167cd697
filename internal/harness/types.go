package harness

import (
	"github.com/roach88/rowhooks/internal/dispatch"
	"github.com/roach88/rowhooks/internal/mutation"
	"github.com/roach88/rowhooks/internal/record"
)

// Trace event types.
const (
	TraceEmit     = "emit"
	TraceResponse = "response"
)

// TraceEvent is one entry of a run's trace: a hook emission as the last
// handler left it, or the response of a step.
type TraceEvent struct {
	Type string `json:"type"`
	Step int    `json:"step"`

	// Emission fields.
	Kind      dispatch.Kind `json:"kind,omitempty"`
	Table     string        `json:"table,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Seq       int64         `json:"seq,omitempty"`
	Data      record.Object `json:"data,omitempty"`
	Row       record.Object `json:"row,omitempty"`
	Previous  record.Object `json:"previous,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Reason    string        `json:"reason,omitempty"`

	// Response fields.
	Op      string             `json:"op,omitempty"`
	OK      bool               `json:"ok,omitempty"`
	Result  record.Value       `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
	ErrKind mutation.ErrorKind `json:"error_kind,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and state assertion held.
	Pass bool `json:"pass"`

	// Trace holds emissions and responses in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations. Empty if Pass is true.
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

// canonical renders the event as a record.Object with empty fields left out.
func (e TraceEvent) canonical() record.Object {
	out := record.Object{
		"type": record.String(e.Type),
		"step": record.Int(e.Step),
	}
	str := func(key, v string) {
		if v != "" {
			out[key] = record.String(v)
		}
	}
	obj := func(key string, v record.Object) {
		if v != nil {
			out[key] = v
		}
	}

	switch e.Type {
	case TraceEmit:
		str("kind", string(e.Kind))
		str("table", e.Table)
		str("operation", e.Operation)
		out["seq"] = record.Int(e.Seq)
		obj("data", e.Data)
		obj("row", e.Row)
		obj("previous", e.Previous)
		if e.Cancelled {
			out["cancelled"] = record.Bool(true)
			str("reason", e.Reason)
		}
	case TraceResponse:
		str("op", e.Op)
		out["ok"] = record.Bool(e.OK)
		if e.Result != nil {
			out["result"] = e.Result
		}
		str("message", e.Message)
		str("error_kind", string(e.ErrKind))
	}
	return out
}
