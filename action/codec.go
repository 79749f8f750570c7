package action

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/alejzeis/bindstone-netplay/common"
)

const (
	headerSize = 6

	// MaxPayloadSize bounds the msgpack body of one action
	MaxPayloadSize = common.MaxMessageSize - headerSize
)

var (
	ErrUnknownKind = errors.New("unknown action kind")
	ErrMalformed   = errors.New("malformed action")
)

// Encode frames an action: a big endian uint16 kind, a uint32 payload length, then the msgpack payload
func Encode(a Action) ([]byte, error) {
	payload, err := msgpack.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: payload of %d bytes exceeds %d", a.Kind(), len(payload), MaxPayloadSize)
	}

	data := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(data[0:2], uint16(a.Kind()))
	binary.BigEndian.PutUint32(data[2:6], uint32(len(payload)))
	copy(data[headerSize:], payload)
	return data, nil
}

// Decode parses exactly one framed action
func Decode(data []byte) (Action, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d byte frame is shorter than the header", ErrMalformed, len(data))
	}

	kind := Kind(binary.BigEndian.Uint16(data[0:2]))
	length := binary.BigEndian.Uint32(data[2:6])
	if int64(length) != int64(len(data)-headerSize) {
		return nil, fmt.Errorf("%w: %s declares %d payload bytes, frame has %d", ErrMalformed, kind, length, len(data)-headerSize)
	}

	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(kind))
	}

	a := factory()
	if err := msgpack.Unmarshal(data[headerSize:], a); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return a, nil
}

// Send encodes a and queues it on peer
func Send(peer common.Peer, a Action) error {
	data, err := Encode(a)
	if err != nil {
		return err
	}
	return peer.Send(data)
}
