package network

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

var ErrMalformedFrame = errors.New("malformed frame")

// encodeFrame lays out uvarint(len(topic)) | topic | payload.
func encodeFrame(topic string, payload []byte) []byte {
	head := varint.ToUvarint(uint64(len(topic)))
	out := make([]byte, 0, len(head)+len(topic)+len(payload))
	out = append(out, head...)
	out = append(out, topic...)
	return append(out, payload...)
}

func decodeFrame(frame []byte) (Message, error) {
	n, read, err := varint.FromUvarint(frame)
	if err != nil {
		return Message{}, fmt.Errorf("%w: topic length: %v", ErrMalformedFrame, err)
	}
	rest := frame[read:]
	if n > uint64(len(rest)) {
		return Message{}, fmt.Errorf("%w: topic length %d exceeds frame", ErrMalformedFrame, n)
	}
	return Message{
		Topic:   string(rest[:n]),
		Payload: append([]byte(nil), rest[n:]...),
	}, nil
}
