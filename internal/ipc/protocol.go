package ipc

import "fmt"

// Command tags. The first element of every daemon-bound message is one of
// these or, for control commands, the command name itself.
const (
	CmdInit   = "init"
	CmdCall   = "call"
	CmdParam  = "param"
	CmdMethod = "method"
	CmdNext   = "next"
	CmdKey    = "key"
	CmdQuit   = "quit"
)

// CommitOperation is the engine operation whose response is streamed as
// progress frames followed by one final frame.
const CommitOperation = "blivet_do_it"

// InitReason explains why an init request failed.
type InitReason string

const (
	ReasonAlreadyRunning   InitReason = "already-running"
	ReasonUnusableResource InitReason = "unusable-resource"
	ReasonOtherException   InitReason = "other-exception"
)

// Result is the envelope used by init, call and control responses.
// On success Answer holds the payload; on failure Err and Trace describe it.
// For init failures Answer holds the InitReason as a string.
type Result struct {
	Success bool
	Answer  any
	Err     *RemoteError
	Trace   string
}

// Message returns the wire form of the result.
func (r Result) Message() []any {
	var errValue any
	if r.Err != nil {
		e := *r.Err
		if e.Trace == "" {
			e.Trace = r.Trace
		}
		errValue = &e
	}
	return []any{r.Success, r.Answer, errValue, r.Trace}
}

// ParseResult reads an envelope decoded from the wire.
func ParseResult(v any) (Result, error) {
	parts, ok := v.([]any)
	if !ok || len(parts) == 0 {
		return Result{}, Errorf(KindProtocol, "malformed result %v", v)
	}
	success, ok := parts[0].(bool)
	if !ok {
		return Result{}, Errorf(KindProtocol, "malformed result status %v", parts[0])
	}

	r := Result{Success: success}
	if len(parts) > 1 {
		r.Answer = parts[1]
	}
	if len(parts) > 2 && parts[2] != nil {
		re, ok := parts[2].(*RemoteError)
		if !ok {
			return Result{}, Errorf(KindProtocol, "malformed result error %v", parts[2])
		}
		r.Err = re
	}
	if len(parts) > 3 {
		r.Trace, _ = parts[3].(string)
	}
	if !r.Success && r.Err == nil {
		r.Err = &RemoteError{Kind: KindOperation, Message: "operation failed", Trace: r.Trace}
	}
	return r, nil
}

// Progress is one frame of a streamed commit: either a progress line or
// the final result bag.
type Progress struct {
	Final bool
	Text  string
	Bag   *Bag
}

// Message returns the wire form of the progress frame.
func (p Progress) Message() []any {
	if p.Final {
		return []any{true, p.Bag}
	}
	return []any{false, p.Text}
}

// ParseProgress reads a streamed commit frame.
func ParseProgress(v any) (Progress, error) {
	parts, ok := v.([]any)
	if !ok || len(parts) != 2 {
		return Progress{}, Errorf(KindProtocol, "malformed progress frame %v", v)
	}
	final, ok := parts[0].(bool)
	if !ok {
		return Progress{}, Errorf(KindProtocol, "malformed progress flag %v", parts[0])
	}
	if !final {
		return Progress{Text: fmt.Sprint(parts[1])}, nil
	}
	bag, ok := parts[1].(*Bag)
	if !ok && parts[1] != nil {
		return Progress{}, Errorf(KindProtocol, "final commit frame carries %T, want bag", parts[1])
	}
	return Progress{Final: true, Bag: bag}, nil
}
