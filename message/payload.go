package message

// Payload is the value carried in a response "result".
// The set of shapes is closed so that the encoder can bound every one of them up front.
type Payload interface {
	payload()
}

// String is encoded as a JSON string.
type String string

// Bytes is encoded as a JSON array of numbers in 0..255.
type Bytes []byte

// Longs is encoded as a JSON array of signed 32-bit numbers.
type Longs []int32

func (String) payload() {}
func (Bytes) payload()  {}
func (Longs) payload()  {}
