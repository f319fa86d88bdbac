package codec

import (
	"serial-rpc/message"
	"strconv"
	"unicode/utf8"

	"github.com/nuclio/errors"
)

const hexDigits = "0123456789abcdef"

// appendResponse writes the envelope in a fixed member order: jsonrpc, id, then result or error.
func appendResponse(dst []byte, resp *message.Response) ([]byte, error) {
	dst = append(dst, envelopeHead...)
	dst = strconv.AppendInt(dst, int64(resp.ID), 10)

	if resp.Error != nil {
		dst = append(dst, errorHead...)
		dst = strconv.AppendInt(dst, int64(resp.Error.Code), 10)
		dst = append(dst, messageKey...)
		dst = appendQuoted(dst, resp.Error.Message)
		if resp.Error.Data != nil {
			dst = append(dst, dataKey...)
			dst = appendQuoted(dst, *resp.Error.Data)
		}
		return append(dst, errorTail...), nil
	}

	dst = append(dst, resultKey...)
	dst, err := appendPayload(dst, resp.Result)
	if err != nil {
		return nil, err
	}
	return append(dst, envelopeTail...), nil
}

func appendPayload(dst []byte, p message.Payload) ([]byte, error) {
	switch typed := p.(type) {
	case message.String:
		return appendQuoted(dst, string(typed)), nil
	case message.Bytes:
		dst = append(dst, '[')
		for i, b := range typed {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendUint(dst, uint64(b), 10)
		}
		return append(dst, ']'), nil
	case message.Longs:
		dst = append(dst, '[')
		for i, v := range typed {
			if i > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendInt(dst, int64(v), 10)
		}
		return append(dst, ']'), nil
	}
	return nil, errors.Errorf("Unsupported result payload %T", p)
}

// appendQuoted encodes s as a JSON string. Control characters are always escaped, so the
// output can never contain the frame delimiter. Invalid UTF-8 bytes become U+FFFD escapes.
func appendQuoted(dst []byte, s string) []byte {
	dst = append(dst, '"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			dst = appendEscapedASCII(dst, c)
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			dst = append(dst, replacementEscape...)
		} else {
			dst = append(dst, s[i:i+size]...)
		}
		i += size
	}
	return append(dst, '"')
}

func appendEscapedASCII(dst []byte, c byte) []byte {
	switch c {
	case '"', '\\':
		return append(dst, '\\', c)
	case '\n':
		return append(dst, '\\', 'n')
	case '\r':
		return append(dst, '\\', 'r')
	case '\t':
		return append(dst, '\\', 't')
	case '\b':
		return append(dst, '\\', 'b')
	case '\f':
		return append(dst, '\\', 'f')
	}
	if c < 0x20 {
		return append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
	}
	return append(dst, c)
}
