package wire

import (
	"errors"
	"fmt"

	"github.com/skythen/apdu"
)

const (
	apduClass       = 0x00
	apduInstruction = 0xCB
)

// ErrStatusWord is returned when the device answers with anything but 0x9000.
var ErrStatusWord = errors.New("unexpected apdu status word")

// WrapCommand places a frame into the data field of a command APDU.
func WrapCommand(frame []byte) ([]byte, error) {

	capdu := apdu.Capdu{Cla: apduClass, Ins: apduInstruction, Data: frame}

	return capdu.Bytes()

}

// UnwrapCommand is the device side of WrapCommand.
func UnwrapCommand(value []byte) ([]byte, error) {

	capdu, err := apdu.ParseCapdu(value)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if capdu.Cla != apduClass || capdu.Ins != apduInstruction {
		return nil, fmt.Errorf("%w: unexpected cla/ins %#x/%#x", ErrMalformedFrame, capdu.Cla, capdu.Ins)
	}

	return capdu.Data, nil

}

// WrapResponse places a frame into a successful response APDU.
func WrapResponse(frame []byte) ([]byte, error) {

	rapdu := apdu.Rapdu{Data: frame, SW1: 0x90, SW2: 0x00}

	return rapdu.Bytes()

}

// UnwrapResponse parses a response APDU and returns its data field.
func UnwrapResponse(value []byte) ([]byte, error) {

	rapdu, err := apdu.ParseRapdu(value)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	if rapdu.SW1 != 0x90 || rapdu.SW2 != 0x00 {
		return nil, fmt.Errorf("%w: %02x%02x", ErrStatusWord, rapdu.SW1, rapdu.SW2)
	}

	return rapdu.Data, nil

}
