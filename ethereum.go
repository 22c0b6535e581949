package lattice

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/payload"
	"github.com/schjonhaug/lattice-go/internal/wire"
)

const (
	GasLimitMin    = 22000
	GasLimitMax    = 10000000
	GasPriceMax    = 100000000000
	EthDataMaxSize = 100

	MaxEthereumNonce = 0xFFFF
)

var chains = map[string]uint64{
	"mainnet":   1,
	"homestead": 1,
	"ropsten":   3,
	"rinkeby":   4,
	"goerli":    5,
	"kovan":     42,
	"sepolia":   11155111,
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ChainID resolves a chain name or a decimal or 0x prefixed integer. An
// empty chain is mainnet.
func ChainID(chain string) (uint64, error) {

	if chain == "" {
		return chains["mainnet"], nil
	}

	if id, ok := chains[strings.ToLower(chain)]; ok {
		return id, nil
	}

	id, err := strconv.ParseUint(chain, 0, 64)
	if err != nil || id == 0 {
		return 0, errors.Wrapf(ErrUnknownChain, "%q", chain)
	}

	return id, nil
}

type EthereumSignRequest struct {
	SignerIndex uint32
	Nonce       uint64
	GasPrice    *big.Int
	GasLimit    uint64
	To          string // 20 byte hex address
	Value       *big.Int
	Data        []byte
	Chain       string // name or integer, see ChainID
	UseEIP155   bool
}

func (r *EthereumSignRequest) Currency() Currency {
	return ETH
}

func (r *EthereumSignRequest) Validate() error {

	_, err := r.payload()

	return err
}

func (r *EthereumSignRequest) payload() (*payload.Ethereum, error) {

	if r.Nonce > MaxEthereumNonce {
		return nil, errors.Wrapf(ErrNonceTooLarge, "%d", r.Nonce)
	}

	if r.GasLimit < GasLimitMin || r.GasLimit > GasLimitMax {
		return nil, errors.Wrapf(ErrGasLimitOutOfRange, "%d not in [%d, %d]", r.GasLimit, GasLimitMin, GasLimitMax)
	}

	gasPrice := orZero(r.GasPrice)

	if gasPrice.Sign() < 0 || gasPrice.Cmp(big.NewInt(GasPriceMax)) > 0 {
		return nil, errors.Wrapf(ErrGasPriceTooHigh, "%s", gasPrice)
	}

	to, err := parseEthereumAddress(r.To)
	if err != nil {
		return nil, err
	}

	value := orZero(r.Value)

	if value.Sign() < 0 || value.Cmp(maxUint256) > 0 {
		return nil, errors.Wrapf(ErrValueOutOfRange, "%s", value)
	}

	if len(r.Data) > EthDataMaxSize {
		return nil, errors.Wrapf(ErrDataTooLarge, "%d bytes, at most %d", len(r.Data), EthDataMaxSize)
	}

	chainID, err := ChainID(r.Chain)
	if err != nil {
		return nil, err
	}

	return &payload.Ethereum{
		SignerIndex: r.SignerIndex,
		EIP155:      r.UseEIP155,
		ChainID:     chainID,
		Tx: payload.EthereumTx{
			Nonce:    r.Nonce,
			GasPrice: new(big.Int).Set(gasPrice),
			Gas:      r.GasLimit,
			To:       to,
			Value:    new(big.Int).Set(value),
			Data:     append([]byte{}, r.Data...),
		},
	}, nil
}

func (r *EthereumSignRequest) prepare() (*preparedSign, error) {

	p, err := r.payload()
	if err != nil {
		return nil, err
	}

	encoded, err := payload.EncodeEthereum(p)
	if err != nil {
		return nil, errors.Wrap(ErrDataTooLarge, err.Error())
	}

	prepared := &preparedSign{
		command: &wire.SignCommand{
			Command:  wire.Command{Cmd: wire.CmdSign},
			Currency: string(ETH),
			Payload:  encoded,
		},
		decode: func(body []byte) (*SignResponse, error) {
			return decodeEthereumResponse(p, body)
		},
	}

	if len(p.Tx.Data) > 0 {
		prepared.call = &calldata{data: p.Tx.Data, to: p.Tx.To.Hex(), chainID: p.ChainID}
	}

	return prepared, nil
}

// decodeEthereumResponse rebuilds the signed transaction. The sender
// recovered from the signature has to be the signer the device reports.
func decodeEthereumResponse(p *payload.Ethereum, body []byte) (*SignResponse, error) {

	sig, err := payload.DecodeEthereumSignature(body)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	to := p.Tx.To

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    p.Tx.Nonce,
		GasPrice: p.Tx.GasPrice,
		Gas:      p.Tx.Gas,
		To:       &to,
		Value:    p.Tx.Value,
		Data:     p.Tx.Data,
	})

	var signer types.Signer = types.HomesteadSigner{}
	if p.EIP155 {
		signer = types.NewEIP155Signer(new(big.Int).SetUint64(p.ChainID))
	}

	signature := make([]byte, 0, 65)
	signature = append(signature, sig.R[:]...)
	signature = append(signature, sig.S[:]...)
	signature = append(signature, sig.RecoveryID)

	signed, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	sender, err := types.Sender(signer, signed)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if sender != sig.Signer {
		return nil, errors.Wrapf(ErrMalformedResponse, "signer mismatch: expected %s, got %s", sig.Signer.Hex(), sender.Hex())
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	v, _, _ := signed.RawSignatureValues()

	return &SignResponse{
		RawTx:  raw,
		TxHash: signed.Hash().Bytes(),
		Signatures: []Signature{{
			R: append([]byte{}, sig.R[:]...),
			S: append([]byte{}, sig.S[:]...),
			V: v,
		}},
	}, nil
}

func parseEthereumAddress(address string) (common.Address, error) {

	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))
	if err != nil || len(b) != common.AddressLength {
		return common.Address{}, errors.Wrapf(ErrInvalidRecipient, "%q is not a 20 byte hex address", address)
	}

	return common.BytesToAddress(b), nil
}

func orZero(v *big.Int) *big.Int {

	if v == nil {
		return new(big.Int)
	}

	return v
}
