package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"serial-rpc/message"
	"serial-rpc/protocol"

	"github.com/nuclio/errors"
)

// JSONCodec speaks the JSON-RPC 2.0 envelope.
// Requests are decoded with encoding/json; responses are appended by hand into a buffer whose
// capacity is fixed by SizeBound before the first byte is written.
type JSONCodec struct{}

// DecodeRequest validates the envelope in the same order the device always has:
// syntax, then protocol version, then id, method and params.
func (c *JSONCodec) DecodeRequest(frame []byte) (message.Request, *message.ErrorObject) {
	var req message.Request

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		if _, wrongType := err.(*json.UnmarshalTypeError); wrongType {
			// valid JSON, but not an object: there is no "jsonrpc" member to speak of
			return req, invalidVersion()
		}
		return req, message.NewStandardError(message.CodeParseError, err.Error())
	}

	var version string
	raw, ok := fields["jsonrpc"]
	if !ok || json.Unmarshal(raw, &version) != nil || version != protocol.Version {
		return req, invalidVersion()
	}

	req.ID = coerceID(fields["id"])

	if raw, ok := fields["method"]; ok {
		var method string
		if json.Unmarshal(raw, &method) == nil {
			req.Method = method
		}
	}

	params, ok := decodeParams(fields["params"])
	if !ok {
		return req, message.NewStandardError(message.CodeInvalidParams, "Array expected")
	}
	req.Params = params

	return req, nil
}

func (c *JSONCodec) EncodeResponse(resp *message.Response) ([]byte, error) {
	if resp == nil || resp.Empty() {
		return nil, errors.New("Response has neither result nor error")
	}
	if resp.Result != nil && resp.Error != nil {
		return nil, errors.New("Response has both result and error")
	}

	bound := SizeBound(resp)
	buf := make([]byte, 0, bound)

	out, err := appendResponse(buf, resp)
	if err != nil {
		return nil, err
	}
	if cap(out) != bound {
		return nil, errors.Errorf("Response outgrew its size bound of %d bytes", bound)
	}
	return out, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func invalidVersion() *message.ErrorObject {
	return message.NewStandardError(message.CodeInvalidRequest, "Invalid protocol version")
}

// coerceID maps any JSON value onto an int32 id: integers in range as-is, floats truncated,
// booleans 1/0, everything else (strings, null, containers, out of range numbers) 0.
func coerceID(raw json.RawMessage) int32 {
	if len(raw) == 0 {
		return 0
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return 0
	}

	switch typed := value.(type) {
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			if i < math.MinInt32 || i > math.MaxInt32 {
				return 0
			}
			return int32(i)
		}
		f, err := typed.Float64()
		if err != nil || f < math.MinInt32 || f > math.MaxInt32 {
			return 0
		}
		return int32(f)
	case bool:
		if typed {
			return 1
		}
	}
	return 0
}

// decodeParams requires an array and stringifies every element: strings lose their quotes,
// everything else keeps its compact JSON text. A missing or non-array value is rejected.
func decodeParams(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, false
	}

	params := make([]string, len(elements))
	for i, element := range elements {
		params[i] = stringifyParam(element)
	}
	return params, true
}

func stringifyParam(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
