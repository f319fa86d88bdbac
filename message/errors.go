package message

import (
	"fmt"
	"math"
)

// ErrorCode follows the JSON-RPC 2.0 error code convention.
// Application handlers may use any code outside -32768..-32000.
type ErrorCode int32

const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603

	// CodeServerError starts the implementation-defined range -32099..-32000.
	CodeServerError ErrorCode = -32000

	// CodeUnknownError is the sentinel maximum.
	CodeUnknownError ErrorCode = math.MaxInt16
)

const (
	reservedMin    = -32768
	reservedMax    = -32000
	serverRangeMin = -32099
)

// Message returns the canonical message for the code.
func (c ErrorCode) Message() string {
	switch c {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid Request"
	case CodeMethodNotFound:
		return "Method not found"
	case CodeInvalidParams:
		return "Invalid params"
	case CodeInternalError:
		return "Internal error"
	}
	if c.IsServerError() {
		return "Server error"
	}
	return "Unknown error"
}

// IsReserved reports whether the code lies in the range reserved by JSON-RPC.
func (c ErrorCode) IsReserved() bool {
	return c >= reservedMin && c <= reservedMax
}

// IsServerError reports whether the code lies in -32099..-32000.
func (c ErrorCode) IsServerError() bool {
	return c >= serverRangeMin && c <= reservedMax
}

// ErrorObject is the "error" member of a response.
type ErrorObject struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    *string   `json:"data,omitempty"` // nil omits the "data" member
}

// NewError builds an ErrorObject. data is optional; only the first value is used.
func NewError(code ErrorCode, message string, data ...string) *ErrorObject {
	e := &ErrorObject{Code: code, Message: message}
	if len(data) > 0 {
		d := data[0]
		e.Data = &d
	}
	return e
}

// NewStandardError builds an ErrorObject carrying the code's canonical message.
func NewStandardError(code ErrorCode, data ...string) *ErrorObject {
	return NewError(code, code.Message(), data...)
}

func (e *ErrorObject) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, *e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
