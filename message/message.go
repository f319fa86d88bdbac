// Package message defines the JSON-RPC envelopes exchanged between the device engine and the host.
//
// A Request is derived from exactly one frame and lives only for the processing of that frame.
// A Response carries exactly one Outcome: either a Result payload or an Error object, never both.
package message

// Request is a parsed and validated JSON-RPC call.
//
//   - ID defaults to 0 when the frame carries no id (or one that cannot be coerced to an int32).
//   - Method defaults to "" when absent; rejecting empty methods is the handler's concern.
//   - Params are positional and always stringified: "1", "true", "abc", "[1,2]".
type Request struct {
	ID     int32
	Method string
	Params []string
}

// Outcome is what a handler produces for one request.
type Outcome struct {
	Result Payload
	Error  *ErrorObject
}

// Success wraps a result payload.
func Success(p Payload) Outcome {
	return Outcome{Result: p}
}

// Failure builds an error outcome. data is optional; only the first value is used.
func Failure(code ErrorCode, message string, data ...string) Outcome {
	return Outcome{Error: NewError(code, message, data...)}
}

// Empty reports whether the outcome carries neither a result nor an error.
func (o Outcome) Empty() bool {
	return o.Result == nil && o.Error == nil
}

// Response is an Outcome addressed to a request id.
type Response struct {
	ID int32
	Outcome
}

// NewResponse pairs an id with an outcome.
func NewResponse(id int32, outcome Outcome) *Response {
	return &Response{ID: id, Outcome: outcome}
}
