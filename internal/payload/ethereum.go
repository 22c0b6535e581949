package payload

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

var ErrMalformed = errors.New("malformed payload")

const (
	ethereumHeaderSize = 4 + 1 + 8 + 2

	flagEIP155 = 0x01

	// EthereumSignatureSize is signer | r | s | recovery id.
	EthereumSignatureSize = common.AddressLength + 32 + 32 + 1
)

// EthereumTx is the RLP list the device signs. With EIP-155 the chain id and
// two zero placeholders follow the six legacy fields.
type EthereumTx struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int `rlp:"optional"`
	Zero1    *big.Int `rlp:"optional"`
	Zero2    *big.Int `rlp:"optional"`
}

type Ethereum struct {
	SignerIndex uint32
	EIP155      bool
	ChainID     uint64
	Tx          EthereumTx
}

// Layout: signerIndex u32 | flags u8 | chainId u64 | rlpLen u16 | rlp
func EncodeEthereum(p *Ethereum) ([]byte, error) {

	tx := p.Tx
	tx.ChainID, tx.Zero1, tx.Zero2 = nil, nil, nil

	if p.EIP155 {
		tx.ChainID = new(big.Int).SetUint64(p.ChainID)
		tx.Zero1 = new(big.Int)
		tx.Zero2 = new(big.Int)
	}

	encoded, err := rlp.EncodeToBytes(&tx)
	if err != nil {
		return nil, err
	}

	if len(encoded) > 0xFFFF {
		return nil, fmt.Errorf("%w: rlp of %d bytes", ErrMalformed, len(encoded))
	}

	buf := make([]byte, ethereumHeaderSize, ethereumHeaderSize+len(encoded))

	binary.BigEndian.PutUint32(buf[0:4], p.SignerIndex)
	if p.EIP155 {
		buf[4] = flagEIP155
	}
	binary.BigEndian.PutUint64(buf[5:13], p.ChainID)
	binary.BigEndian.PutUint16(buf[13:15], uint16(len(encoded)))

	return append(buf, encoded...), nil
}

func DecodeEthereum(buf []byte) (*Ethereum, error) {

	if len(buf) < ethereumHeaderSize {
		return nil, fmt.Errorf("%w: short ethereum header", ErrMalformed)
	}

	length := int(binary.BigEndian.Uint16(buf[13:15]))

	if len(buf) != ethereumHeaderSize+length {
		return nil, fmt.Errorf("%w: rlp length %d does not match %d remaining bytes", ErrMalformed, length, len(buf)-ethereumHeaderSize)
	}

	p := &Ethereum{
		SignerIndex: binary.BigEndian.Uint32(buf[0:4]),
		EIP155:      buf[4]&flagEIP155 != 0,
		ChainID:     binary.BigEndian.Uint64(buf[5:13]),
	}

	if err := rlp.DecodeBytes(buf[ethereumHeaderSize:], &p.Tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if p.EIP155 != (p.Tx.ChainID != nil) {
		return nil, fmt.Errorf("%w: eip155 flag does not match rlp", ErrMalformed)
	}

	if p.EIP155 && (!p.Tx.ChainID.IsUint64() || p.Tx.ChainID.Uint64() != p.ChainID) {
		return nil, fmt.Errorf("%w: chain id in rlp does not match header", ErrMalformed)
	}

	return p, nil
}

// EthereumSignature is the device's answer to an ethereum sign command.
type EthereumSignature struct {
	Signer     common.Address
	R          [32]byte
	S          [32]byte
	RecoveryID byte
}

func EncodeEthereumSignature(sig *EthereumSignature) []byte {

	buf := make([]byte, 0, EthereumSignatureSize)
	buf = append(buf, sig.Signer[:]...)
	buf = append(buf, sig.R[:]...)
	buf = append(buf, sig.S[:]...)

	return append(buf, sig.RecoveryID)
}

func DecodeEthereumSignature(buf []byte) (*EthereumSignature, error) {

	if len(buf) != EthereumSignatureSize {
		return nil, fmt.Errorf("%w: ethereum signature of %d bytes, expected %d", ErrMalformed, len(buf), EthereumSignatureSize)
	}

	var sig EthereumSignature

	copy(sig.Signer[:], buf[:20])
	copy(sig.R[:], buf[20:52])
	copy(sig.S[:], buf[52:84])
	sig.RecoveryID = buf[84]

	if sig.RecoveryID > 1 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrMalformed, sig.RecoveryID)
	}

	return &sig, nil
}
