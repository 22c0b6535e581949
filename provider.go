package lattice

import (
	"context"
	"math/big"
)

// NodeProvider is the chain access a caller needs around signing. The client
// never calls it on its own.
type NodeProvider interface {
	Nonce(ctx context.Context, address string) (uint64, error)
	SubmitRawTransaction(ctx context.Context, raw []byte) (string, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
}

type DecodedParam struct {
	Name  string
	Type  string
	Value string
}

type DecodedCall struct {
	FunctionName string
	Params       []DecodedParam
}

// CalldataDecoder turns ethereum calldata into a readable call. A nil call
// with a nil error means the calldata is not recognized.
type CalldataDecoder interface {
	DecodeCalldata(ctx context.Context, data []byte, to string, chainID uint64) (*DecodedCall, error)
}
