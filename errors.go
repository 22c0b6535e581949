package lattice

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

// Local validation errors. They are returned before anything is sent to the
// device.
var (
	ErrTooManyAddresses    = errors.New("too many addresses requested")
	ErrInvalidAddressCount = errors.New("at least one address must be requested")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrUnsupportedVersion  = errors.New("unsupported address version")
	ErrUnknownChain        = errors.New("unknown chain")

	ErrNonceTooLarge      = errors.New("nonce does not fit 16 bits")
	ErrGasLimitOutOfRange = errors.New("gas limit out of range")
	ErrGasPriceTooHigh    = errors.New("gas price too high")
	ErrInvalidRecipient   = errors.New("invalid recipient address")
	ErrValueOutOfRange    = errors.New("value out of range")
	ErrDataTooLarge       = errors.New("data too large")
	ErrInvalidPrevOut     = errors.New("invalid previous output")
	ErrTooManyInputs      = errors.New("too many inputs")
	ErrNetworkMismatch    = errors.New("address does not belong to network")
	ErrInsufficientFunds  = errors.New("inputs do not cover value and fee")
	ErrDustOutput         = errors.New("output below dust threshold")
	ErrInvalidAppName     = errors.New("invalid app name")
	ErrUnknownSignRequest = errors.New("unsupported sign request")
)

// Session and pairing errors. Session errors require Connect (and possibly
// Pair) before further commands.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrNotPaired      = errors.New("not paired")
	ErrAlreadyPaired  = errors.New("already paired")
	ErrPairingFailed  = errors.New("pairing failed")
	ErrSessionInvalid = errors.New("session invalid")
	ErrCorruptRecord  = errors.New("corrupt pairing record")
)

// Transport and protocol errors.
var (
	ErrTimeout           = errors.New("timeout")
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrLinkDropped       = errors.New("link dropped")
	ErrMalformedFrame    = wire.ErrMalformedFrame
	ErrChecksumMismatch  = wire.ErrChecksumMismatch
	ErrMalformedResponse = errors.New("malformed response")
	ErrClosed            = errors.New("client closed")
)

// Device reported errors.
var (
	ErrDeviceRejected       = errors.New("rejected on device")
	ErrDeviceBusy           = errors.New("device busy")
	ErrUnsupportedOperation = errors.New("operation not supported by device")
	ErrDeviceInvalidRequest = errors.New("device refused request")
)

// DeviceError is an error reported by the device. It is passed through
// verbatim and never retried.
type DeviceError struct {
	Code    int
	Message string

	// Pairing is set when the device refused a pair request, whatever the
	// code.
	Pairing bool
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %#x: %s", e.Code, e.Message)
}

func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDeviceRejected:
		return e.Code == wire.CodeUserDeclined
	case ErrDeviceBusy:
		return e.Code == wire.CodeBusy
	case ErrUnsupportedOperation:
		return e.Code == wire.CodeUnsupported
	case ErrDeviceInvalidRequest:
		return e.Code == wire.CodeInvalidRequest
	case ErrPairingFailed:
		return e.Pairing || e.Code == wire.CodePairingRejected
	}
	return false
}

func deviceError(data *wire.ErrorData) error {
	return &DeviceError{Code: data.Code, Message: data.Error}
}

func pairingError(data *wire.ErrorData) error {
	return &DeviceError{Code: data.Code, Message: data.Error, Pairing: true}
}

var validationErrors = []error{
	ErrTooManyAddresses, ErrInvalidAddressCount, ErrUnsupportedCurrency,
	ErrUnsupportedVersion, ErrUnknownChain, ErrNonceTooLarge,
	ErrGasLimitOutOfRange, ErrGasPriceTooHigh, ErrInvalidRecipient,
	ErrValueOutOfRange, ErrDataTooLarge, ErrInvalidPrevOut, ErrTooManyInputs,
	ErrNetworkMismatch, ErrInsufficientFunds, ErrDustOutput, ErrInvalidAppName,
	ErrUnknownSignRequest,
}

// IsValidationError reports whether err means "fix your input and retry".
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsSessionError reports whether err means trust must be re-established.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrNotPaired) ||
		errors.Is(err, ErrNotConnected) || errors.Is(err, ErrPairingFailed)
}

// IsTransportError reports whether err came from the link after retries.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrLinkDropped) || errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrDeviceUnreachable) ||
		errors.Is(err, wire.ErrStatusWord)
}

// IsDeviceError reports whether err was reported by the device, such as the
// user declining on the device.
func IsDeviceError(err error) bool {
	var deviceErr *DeviceError
	return errors.As(err, &deviceErr)
}
