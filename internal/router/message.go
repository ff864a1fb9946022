package router

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Address names a process on a node. The router only ever inspects the node
// half of the target address.
type Address struct {
	Node    string `msgpack:"node"`
	Process string `msgpack:"process"`
}

// KernelMessage is the envelope forwarded between connected nodes. The
// payload is opaque to the router and round-trips bit-for-bit.
type KernelMessage struct {
	ID      uint64             `msgpack:"id"`
	Source  Address            `msgpack:"source"`
	Target  Address            `msgpack:"target"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

func EncodeKernelMessage(m KernelMessage) ([]byte, error) {
	out, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("router: encode kernel message: %w", err)
	}
	return out, nil
}

func DecodeKernelMessage(data []byte) (KernelMessage, error) {
	var m KernelMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return KernelMessage{}, fmt.Errorf("router: decode kernel message: %w", err)
	}
	return m, nil
}
