package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize bounds a length prefixed message on a stream transport.
const MaxMessageSize = 1 << 17

// WriteMessage writes b prefixed with its length as a big endian u32.
func WriteMessage(w io.Writer, b []byte) error {

	if len(b) > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes", ErrMalformedFrame, len(b))
	}

	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)

	_, err := w.Write(buf)

	return err
}

// ReadMessage reads one message written by WriteMessage.
func ReadMessage(r io.Reader) ([]byte, error) {

	var prefix [4]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])

	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrMalformedFrame, length)
	}

	b := make([]byte, length)

	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	return b, nil
}
