package codec

import (
	"serial-rpc/message"
	"serial-rpc/protocol"
	"unicode/utf8"
)

// Fixed pieces of the response envelope. Their lengths feed SizeBound directly, so the bound
// and the encoder can never disagree about the literal text.
const (
	envelopeHead = `{"jsonrpc":"` + protocol.Version + `","id":`
	resultKey    = `,"result":`
	envelopeTail = `}`
	errorHead    = `,"error":{"code":`
	messageKey   = `,"message":`
	dataKey      = `,"data":`
	errorTail    = `}}`
	nullLiteral  = `null`

	// invalid UTF-8 bytes are replaced, one escape per byte
	replacementEscape = "\\ufffd"
)

const (
	maxInt32Width = len("-2147483648")
	maxByteWidth  = len("255")
)

// SizeBound returns the number of bytes the JSON encoding of resp can occupy at most.
//
// Integers (id, error code, array elements) are reserved at their widest; strings are reserved
// at their exact escaped length plus quotes. The bound is therefore reached exactly when every
// integer has its widest value.
func SizeBound(resp *message.Response) int {
	n := len(envelopeHead) + maxInt32Width

	if resp.Error != nil {
		n += len(errorHead) + maxInt32Width
		n += len(messageKey) + QuotedLen(resp.Error.Message)
		if resp.Error.Data != nil {
			n += len(dataKey) + QuotedLen(*resp.Error.Data)
		}
		return n + len(errorTail)
	}

	return n + len(resultKey) + PayloadBound(resp.Result) + len(envelopeTail)
}

// PayloadBound returns the widest encoding of a result payload.
func PayloadBound(p message.Payload) int {
	switch typed := p.(type) {
	case message.String:
		return QuotedLen(string(typed))
	case message.Bytes:
		return arrayBound(len(typed), maxByteWidth)
	case message.Longs:
		return arrayBound(len(typed), maxInt32Width)
	}
	return len(nullLiteral)
}

// arrayBound covers the brackets, count elements of width bytes and count-1 commas.
func arrayBound(count, width int) int {
	if count == 0 {
		return 2
	}
	return 2 + count*width + count - 1
}

// QuotedLen returns the exact length of s encoded as a JSON string, quotes included.
// It must stay in step with appendQuoted.
func QuotedLen(s string) int {
	n := 2
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			n += escapedASCIILen(c)
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			n += len(replacementEscape)
		} else {
			n += size
		}
		i += size
	}
	return n
}

func escapedASCIILen(c byte) int {
	switch c {
	case '"', '\\', '\n', '\r', '\t', '\b', '\f':
		return 2
	}
	if c < 0x20 {
		return len(`\u0000`)
	}
	return 1
}
