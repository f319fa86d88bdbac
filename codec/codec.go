// Package codec turns frames into requests and responses into frames.
//
// Only the JSON-RPC envelope members are normative; the textual encoding sits behind the Codec
// interface. Whatever the encoding, it must never emit the frame delimiter inside a message.
package codec

import (
	"serial-rpc/message"

	"github.com/nuclio/errors"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	// DecodeRequest parses and validates one frame. On failure the returned request still
	// carries whatever id could be recovered (0 otherwise).
	DecodeRequest(frame []byte) (message.Request, *message.ErrorObject)

	// EncodeResponse serializes a response into a buffer sized by SizeBound.
	EncodeResponse(resp *message.Response) ([]byte, error)

	Type() CodecType
}

func GetCodec(codecType CodecType) (Codec, error) {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}, nil
	}
	return nil, errors.Errorf("Unsupported codec type: %d", codecType)
}
