// Package feedback decodes and encodes the length-prefixed feedback
// wire format and dispatches inbound messages into selector/registry
// state updates, rate-limited per edge.
package feedback

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the only wire version this codec understands.
const Version uint8 = 1

// Kind identifies a feedback message's payload shape.
type Kind uint8

const (
	KindReceiverReport        Kind = 1
	KindSenderReport          Kind = 2
	KindPLI                   Kind = 3
	KindLayerSwitchRequest    Kind = 4
	KindBandwidthEstimate     Kind = 5
	KindLayerAvailabilityUpdate Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindReceiverReport:
		return "ReceiverReport"
	case KindSenderReport:
		return "SenderReport"
	case KindPLI:
		return "PLI"
	case KindLayerSwitchRequest:
		return "LayerSwitchRequest"
	case KindBandwidthEstimate:
		return "BandwidthEstimate"
	case KindLayerAvailabilityUpdate:
		return "LayerAvailabilityUpdate"
	default:
		return "Unknown"
	}
}

// frameHeaderSize is len(<version:u8><kind:u8><length:u16>).
const frameHeaderSize = 4

var (
	// ErrShortFrame is returned when a buffer is too small to contain
	// even a frame header, or shorter than the length its header claims.
	ErrShortFrame = errors.New("feedback: short frame")
	// ErrUnsupportedVersion is returned for any version byte other than
	// Version.
	ErrUnsupportedVersion = errors.New("feedback: unsupported wire version")
)

// Encode wraps payload in a length-prefixed frame of the given kind.
func Encode(kind Kind, payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = Version
	frame[1] = byte(kind)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	return frame
}

// Decode reads one frame from the front of buf, returning the frame's
// kind, its payload, and the remainder of buf after the frame. buf may
// hold multiple frames back to back; callers loop until it's empty.
func Decode(buf []byte) (kind Kind, payload []byte, rest []byte, err error) {
	if len(buf) < frameHeaderSize {
		return 0, nil, nil, ErrShortFrame
	}

	version := buf[0]
	if version != Version {
		return 0, nil, nil, fmt.Errorf("%w: got %d", ErrUnsupportedVersion, version)
	}

	kind = Kind(buf[1])
	length := binary.LittleEndian.Uint16(buf[2:4])

	if len(buf) < frameHeaderSize+int(length) {
		return 0, nil, nil, ErrShortFrame
	}

	payload = buf[frameHeaderSize : frameHeaderSize+int(length)]
	rest = buf[frameHeaderSize+int(length):]
	return kind, payload, rest, nil
}

// DecodeAll splits buf into every frame it contains, in order.
func DecodeAll(buf []byte) ([]struct {
	Kind    Kind
	Payload []byte
}, error) {
	var frames []struct {
		Kind    Kind
		Payload []byte
	}

	for len(buf) > 0 {
		kind, payload, rest, err := Decode(buf)
		if err != nil {
			return frames, err
		}
		frames = append(frames, struct {
			Kind    Kind
			Payload []byte
		}{Kind: kind, Payload: payload})
		buf = rest
	}

	return frames, nil
}
