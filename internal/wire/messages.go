package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// COMMANDS

type Command struct {
	Cmd string `cbor:"cmd"`
}

const (
	CmdAddresses = "addresses"
	CmdSign      = "sign"
)

type ConnectRequest struct {
	PublicKey []byte `cbor:"pubkey"` // app's compressed public key
	Nonce     []byte `cbor:"nonce"`  // fresh per connection
	App       string `cbor:"app"`
}

type PairRequest struct {
	PublicKey []byte `cbor:"pubkey"`
	App       string `cbor:"app"`
	Proof     []byte `cbor:"proof"` // HMAC under the candidate shared secret
}

type AddressesCommand struct {
	Command
	Currency string `cbor:"currency"`
	Version  byte   `cbor:"ver"`
	Start    uint32 `cbor:"start"`
	Count    uint8  `cbor:"n"`
}

type SignCommand struct {
	Command
	Currency string `cbor:"currency"`
	Payload  []byte `cbor:"payload"` // canonical currency payload
}

// DATA

type ConnectResponse struct {
	Paired    bool   `cbor:"paired"`
	PublicKey []byte `cbor:"pubkey"` // device's compressed public key
	Nonce     []byte `cbor:"nonce"`
	Firmware  string `cbor:"fw"`
}

type PairResponse struct {
	Ack []byte `cbor:"ack"`
}

type AddressesData struct {
	Addresses []string `cbor:"addrs"`
}

type SignData struct {
	Payload []byte `cbor:"payload"`
}

type ErrorData struct {
	Code  int    `cbor:"code"`
	Error string `cbor:"error"`
}

// Device error codes carried in ErrorData.
const (
	CodeUserDeclined    = 0x80
	CodeBusy            = 0x81
	CodeUnsupported     = 0x82
	CodeInvalidRequest  = 0x83
	CodePairingRejected = 0x84
)

var strictMode, lenientMode cbor.DecMode

func init() {
	strictMode, _ = cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	lenientMode, _ = cbor.DecOptions{}.DecMode()
}

func Marshal(value any) ([]byte, error) {
	return cbor.Marshal(value)
}

// Unmarshal decodes strictly: unknown fields are errors.
func Unmarshal(data []byte, value any) error {
	return strictMode.Unmarshal(data, value)
}

// PeekCommand returns the cmd field of an encoded command.
func PeekCommand(data []byte) (string, error) {

	var c Command

	if err := lenientMode.Unmarshal(data, &c); err != nil {
		return "", err
	}

	return c.Cmd, nil
}

// DecodeResponse decodes body as T. When body is not a T but is a valid
// ErrorData, the error data is returned instead.
func DecodeResponse[T any](body []byte) (*T, *ErrorData, error) {

	var v T

	if err := strictMode.Unmarshal(body, &v); err != nil {

		var e ErrorData

		if strictMode.Unmarshal(body, &e) != nil || e.Code == 0 {
			return nil, nil, err
		}

		return nil, &e, nil

	}

	return &v, nil, nil
}
