package main

import (
	"context"
	"serial-rpc/codec"
	"serial-rpc/message"
	"serial-rpc/server"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memorySize is the size of the scratch memory behind read_bytes and write_bytes.
const memorySize = 64

// board is the state the demo handlers act on, standing in for the pins and memory of a real
// board.
type board struct {
	mu         sync.Mutex
	led        bool
	memory     []byte
	started    time.Time
	bufferSize int
}

func newDeviceMux(bufferSize int) *server.Mux {
	b := &board{started: time.Now(), bufferSize: bufferSize}

	mux := server.NewMux()
	mux.HandleFunc("echo", b.echo)
	mux.HandleFunc("set_builtin_led", b.setBuiltinLED)
	mux.HandleFunc("get_builtin_led", b.getBuiltinLED)
	mux.HandleFunc("write_bytes", b.writeBytes)
	mux.HandleFunc("read_bytes", b.readBytes)
	mux.HandleFunc("stats", b.stats)
	mux.HandleFunc("methods", func(ctx context.Context, req *message.Request) message.Outcome {
		return message.Success(message.String(strings.Join(mux.Methods(), ",")))
	})
	return mux
}

func invalidParams(data string) message.Outcome {
	return message.Failure(message.CodeInvalidParams, message.CodeInvalidParams.Message(), data)
}

// echo answers with the number of params it received.
func (b *board) echo(ctx context.Context, req *message.Request) message.Outcome {
	return message.Success(message.String(strconv.Itoa(len(req.Params))))
}

// setBuiltinLED takes [1] or [0].
func (b *board) setBuiltinLED(ctx context.Context, req *message.Request) message.Outcome {
	if len(req.Params) != 1 {
		return invalidParams("Expected 1 param")
	}

	var on bool
	switch req.Params[0] {
	case "1", "true":
		on = true
	case "0", "false":
		on = false
	default:
		return invalidParams("Expected 0 or 1")
	}

	b.mu.Lock()
	b.led = on
	b.mu.Unlock()

	return message.Success(message.String(ledState(on)))
}

func (b *board) getBuiltinLED(ctx context.Context, req *message.Request) message.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return message.Success(message.String(ledState(b.led)))
}

// writeBytes replaces the scratch memory with [[b0, b1, ...]] and answers with the count.
func (b *board) writeBytes(ctx context.Context, req *message.Request) message.Outcome {
	if len(req.Params) != 1 {
		return invalidParams("Expected 1 param")
	}

	data, err := codec.DecodeByteArray(req.Params[0], memorySize)
	if err != nil {
		return invalidParams(err.Error())
	}

	b.mu.Lock()
	b.memory = data
	b.mu.Unlock()

	return message.Success(message.String(strconv.Itoa(len(data))))
}

func (b *board) readBytes(ctx context.Context, req *message.Request) message.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return message.Success(message.Bytes(append([]byte{}, b.memory...)))
}

// stats answers [uptime seconds, receive buffer size, led].
func (b *board) stats(ctx context.Context, req *message.Request) message.Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	led := int32(0)
	if b.led {
		led = 1
	}
	return message.Success(message.Longs{
		int32(time.Since(b.started) / time.Second),
		int32(b.bufferSize),
		led,
	})
}

func ledState(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
