package codec

import (
	"encoding/json"

	"github.com/nuclio/errors"
)

// DecodeByteArray converts a stringified param such as "[1,2,255]" into bytes.
// It fails when the array holds more than limit elements or a value outside 0..255.
func DecodeByteArray(param string, limit int) ([]byte, error) {
	var values []json.Number
	if err := json.Unmarshal([]byte(param), &values); err != nil {
		return nil, errors.Wrap(err, "Failed to decode byte array")
	}
	if len(values) > limit {
		return nil, errors.Errorf("Byte array has %d elements, at most %d allowed", len(values), limit)
	}

	out := make([]byte, len(values))
	for i, value := range values {
		n, err := value.Int64()
		if err != nil || n < 0 || n > 255 {
			return nil, errors.Errorf("Element %d (%s) is not a byte", i, value)
		}
		out[i] = byte(n)
	}
	return out, nil
}
