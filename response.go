package lattice

import (
	"math/big"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

// SignRequest is implemented by *EthereumSignRequest and *BitcoinSignRequest.
type SignRequest interface {
	Currency() Currency

	// Validate checks every field bound without talking to the device.
	Validate() error

	prepare() (*preparedSign, error)
}

// preparedSign is a validated request ready for the device together with
// the decoder of its answer.
type preparedSign struct {
	command *wire.SignCommand
	decode  func(body []byte) (*SignResponse, error)
	call    *calldata
}

type calldata struct {
	data    []byte
	to      string
	chainID uint64
}

// Signature holds the 32 byte r and s values of one signature. V is set for
// ethereum signatures only.
type Signature struct {
	R []byte
	S []byte
	V *big.Int
}

type SignResponse struct {
	RawTx      []byte
	TxHash     []byte // display byte order
	Signatures []Signature

	// ChangeRecipient is the address the bitcoin change output pays to,
	// empty when there is no change.
	ChangeRecipient string

	// Decoded is the human readable calldata of an ethereum request when a
	// CalldataDecoder is configured and recognized it.
	Decoded *DecodedCall
}
