package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame layout, all integers big endian:
//
//	version | type | id     | length | payload  | crc32
//	1 byte  | 1    | 4      | 2      | length   | 4
//
// The checksum is IEEE crc32 over every byte that precedes it.
const (
	Version = 0x01

	headerSize   = 8
	checksumSize = 4

	MaxPayloadSize = 0xFFFF
)

// Frame types. Requests flow client to device, responses device to client.
const (
	TypeResponse  byte = 0x00
	TypeConnect   byte = 0x01
	TypePair      byte = 0x02
	TypeEncrypted byte = 0x03
)

// Frame statuses, carried in the first payload byte of a response frame.
// They are produced before the device looks inside the payload.
const (
	StatusOK             byte = 0x00
	StatusBadFrame       byte = 0x01
	StatusUnknownType    byte = 0x02
	StatusInvalidSession byte = 0x03
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

type Frame struct {
	Type    byte
	ID      uint32
	Payload []byte
}

// EncodeFrame serializes a frame and appends its checksum.
func EncodeFrame(frame Frame) ([]byte, error) {

	if len(frame.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformedFrame, len(frame.Payload), MaxPayloadSize)
	}

	buf := make([]byte, headerSize+len(frame.Payload)+checksumSize)

	buf[0] = Version
	buf[1] = frame.Type
	binary.BigEndian.PutUint32(buf[2:6], frame.ID)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(frame.Payload)))
	copy(buf[headerSize:], frame.Payload)

	end := headerSize + len(frame.Payload)
	binary.BigEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[:end]))

	return buf, nil
}

// DecodeFrame parses a single frame. The buffer must hold exactly one frame.
func DecodeFrame(buf []byte) (Frame, error) {

	if len(buf) < headerSize+checksumSize {
		return Frame{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(buf))
	}

	if buf[0] != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version %#x", ErrMalformedFrame, buf[0])
	}

	length := int(binary.BigEndian.Uint16(buf[6:8]))

	if len(buf) != headerSize+length+checksumSize {
		return Frame{}, fmt.Errorf("%w: declared payload of %d bytes, frame holds %d", ErrMalformedFrame, length, len(buf)-headerSize-checksumSize)
	}

	end := headerSize + length

	if crc32.ChecksumIEEE(buf[:end]) != binary.BigEndian.Uint32(buf[end:]) {
		return Frame{}, ErrChecksumMismatch
	}

	payload := make([]byte, length)
	copy(payload, buf[headerSize:end])

	return Frame{
		Type:    buf[1],
		ID:      binary.BigEndian.Uint32(buf[2:6]),
		Payload: payload,
	}, nil
}

// ResponseFrame builds a device response with the given frame status.
func ResponseFrame(id uint32, status byte, body []byte) Frame {
	return Frame{
		Type:    TypeResponse,
		ID:      id,
		Payload: append([]byte{status}, body...),
	}
}

// SplitResponse checks that frame is a response to request id and returns its
// status and body.
func SplitResponse(frame Frame, id uint32) (byte, []byte, error) {

	if frame.Type != TypeResponse {
		return 0, nil, fmt.Errorf("%w: expected response, got type %#x", ErrMalformedFrame, frame.Type)
	}

	if frame.ID != id {
		return 0, nil, fmt.Errorf("%w: response id %d does not match request id %d", ErrMalformedFrame, frame.ID, id)
	}

	if len(frame.Payload) == 0 {
		return 0, nil, fmt.Errorf("%w: response without status", ErrMalformedFrame)
	}

	return frame.Payload[0], frame.Payload[1:], nil
}
