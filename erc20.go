package lattice

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Token transfer gas limits filled in by BuildEthereumTransfer.
const (
	TransferGasLimit      = 22000
	TokenTransferGasLimit = 100000
)

var (
	transferSelector  = selector("transfer(address,uint256)")
	balanceOfSelector = selector("balanceOf(address)")
	decimalsSelector  = selector("decimals()")
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// ERC20Transfer encodes the calldata of transfer(to, amount).
func ERC20Transfer(to string, amount *big.Int) ([]byte, error) {

	recipient, err := parseEthereumAddress(to)
	if err != nil {
		return nil, err
	}

	amount = orZero(amount)

	if amount.Sign() < 0 || amount.Cmp(maxUint256) > 0 {
		return nil, errors.Wrapf(ErrValueOutOfRange, "token amount %s", amount)
	}

	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	return data, nil
}

// ERC20BalanceOf encodes the calldata of balanceOf(owner).
func ERC20BalanceOf(owner string) ([]byte, error) {

	address, err := parseEthereumAddress(owner)
	if err != nil {
		return nil, err
	}

	return append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(address.Bytes(), 32)...), nil
}

// ERC20Decimals encodes the calldata of decimals().
func ERC20Decimals() []byte {
	return append([]byte{}, decimalsSelector...)
}

// Transfer describes a value transfer from an address owned by the device.
// Token is the contract address of an ERC-20 token, empty for ether.
type Transfer struct {
	SignerIndex uint32
	From        string
	To          string
	Value       *big.Int
	Token       string
	GasPrice    *big.Int
	Chain       string
	UseEIP155   bool
}

// BuildEthereumTransfer fills the nonce of From from provider and returns a
// sign request for the transfer.
func BuildEthereumTransfer(ctx context.Context, provider NodeProvider, transfer Transfer) (*EthereumSignRequest, error) {

	if _, err := parseEthereumAddress(transfer.From); err != nil {
		return nil, err
	}

	request := &EthereumSignRequest{
		SignerIndex: transfer.SignerIndex,
		GasPrice:    transfer.GasPrice,
		GasLimit:    TransferGasLimit,
		To:          transfer.To,
		Value:       transfer.Value,
		Chain:       transfer.Chain,
		UseEIP155:   transfer.UseEIP155,
	}

	if transfer.Token != "" {

		data, err := ERC20Transfer(transfer.To, transfer.Value)
		if err != nil {
			return nil, err
		}

		request.To = transfer.Token
		request.Value = new(big.Int)
		request.Data = data
		request.GasLimit = TokenTransferGasLimit
	}

	if err := request.Validate(); err != nil {
		return nil, err
	}

	nonce, err := provider.Nonce(ctx, transfer.From)
	if err != nil {
		return nil, errors.Wrapf(err, "nonce of %s", transfer.From)
	}

	request.Nonce = nonce

	if err := request.Validate(); err != nil {
		return nil, err
	}

	return request, nil
}
