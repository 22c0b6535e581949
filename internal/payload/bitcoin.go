package payload

import (
	"encoding/binary"
	"fmt"
)

// Address version bytes understood by the device.
const (
	VersionLegacy      byte = 0x00
	VersionP2SH        byte = 0x05
	VersionTestnet     byte = 0x6F
	VersionP2SHTestnet byte = 0xC4
)

const (
	NetworkMainnet byte = 0x00
	NetworkTestnet byte = 0x01
)

const (
	HashSize      = 32
	PubKeyHashLen = 20

	MaxBitcoinInputs = 10

	bitcoinHeaderSize = 1 + 4 + 1 + 1 + 1 + PubKeyHashLen + 8 + 8 + 1
	bitcoinInputSize  = HashSize + 4 + 8 + 4
)

type BitcoinInput struct {
	TxHash         [HashSize]byte // display (big endian) byte order
	OutputIndex    uint32
	Value          uint64
	RecipientIndex uint32
}

type Bitcoin struct {
	ChangeVersion    byte
	ChangeIndex      uint32
	Network          byte
	Segwit           bool
	RecipientVersion byte
	RecipientHash    [PubKeyHashLen]byte
	Value            uint64
	Fee              uint64
	Inputs           []BitcoinInput
}

// Change is the amount returned to the change address.
func (p *Bitcoin) Change() (uint64, error) {

	var total uint64

	for _, in := range p.Inputs {
		if total+in.Value < total {
			return 0, fmt.Errorf("%w: input sum overflows", ErrMalformed)
		}
		total += in.Value
	}

	spent := p.Value + p.Fee
	if spent < p.Value || spent > total {
		return 0, fmt.Errorf("%w: inputs of %d do not cover value %d and fee %d", ErrMalformed, total, p.Value, p.Fee)
	}

	return total - spent, nil
}

// Layout: changeVersion u8 | changeIndex u32 | network u8 | segwit u8 |
// recipientVersion u8 | recipientHash[20] | value u64 | fee u64 | n u8 |
// n * (txHash[32] | outputIndex u32 | value u64 | recipientIndex u32)
func EncodeBitcoin(p *Bitcoin) ([]byte, error) {

	if len(p.Inputs) == 0 || len(p.Inputs) > MaxBitcoinInputs {
		return nil, fmt.Errorf("%w: %d inputs", ErrMalformed, len(p.Inputs))
	}

	buf := make([]byte, bitcoinHeaderSize, bitcoinHeaderSize+len(p.Inputs)*bitcoinInputSize)

	buf[0] = p.ChangeVersion
	binary.BigEndian.PutUint32(buf[1:5], p.ChangeIndex)
	buf[5] = p.Network
	if p.Segwit {
		buf[6] = 1
	}
	buf[7] = p.RecipientVersion
	copy(buf[8:28], p.RecipientHash[:])
	binary.BigEndian.PutUint64(buf[28:36], p.Value)
	binary.BigEndian.PutUint64(buf[36:44], p.Fee)
	buf[44] = byte(len(p.Inputs))

	for _, in := range p.Inputs {
		var b [bitcoinInputSize]byte
		copy(b[:HashSize], in.TxHash[:])
		binary.BigEndian.PutUint32(b[32:36], in.OutputIndex)
		binary.BigEndian.PutUint64(b[36:44], in.Value)
		binary.BigEndian.PutUint32(b[44:48], in.RecipientIndex)
		buf = append(buf, b[:]...)
	}

	return buf, nil
}

func DecodeBitcoin(buf []byte) (*Bitcoin, error) {

	if len(buf) < bitcoinHeaderSize {
		return nil, fmt.Errorf("%w: short bitcoin header", ErrMalformed)
	}

	n := int(buf[44])

	if n == 0 || n > MaxBitcoinInputs {
		return nil, fmt.Errorf("%w: %d inputs", ErrMalformed, n)
	}

	if len(buf) != bitcoinHeaderSize+n*bitcoinInputSize {
		return nil, fmt.Errorf("%w: %d inputs do not fit %d bytes", ErrMalformed, n, len(buf)-bitcoinHeaderSize)
	}

	if buf[6] > 1 {
		return nil, fmt.Errorf("%w: segwit flag %d", ErrMalformed, buf[6])
	}

	p := &Bitcoin{
		ChangeVersion:    buf[0],
		ChangeIndex:      binary.BigEndian.Uint32(buf[1:5]),
		Network:          buf[5],
		Segwit:           buf[6] == 1,
		RecipientVersion: buf[7],
		Value:            binary.BigEndian.Uint64(buf[28:36]),
		Fee:              binary.BigEndian.Uint64(buf[36:44]),
		Inputs:           make([]BitcoinInput, n),
	}
	copy(p.RecipientHash[:], buf[8:28])

	for i := range p.Inputs {
		b := buf[bitcoinHeaderSize+i*bitcoinInputSize:]
		copy(p.Inputs[i].TxHash[:], b[:HashSize])
		p.Inputs[i].OutputIndex = binary.BigEndian.Uint32(b[32:36])
		p.Inputs[i].Value = binary.BigEndian.Uint64(b[36:44])
		p.Inputs[i].RecipientIndex = binary.BigEndian.Uint32(b[44:48])
	}

	return p, nil
}

// InputSignature is one entry of the device's answer to a bitcoin sign
// command. Signature is DER without the sighash byte.
type InputSignature struct {
	PublicKey [33]byte
	Signature []byte
}

type BitcoinSignatures struct {
	ChangeHash [PubKeyHashLen]byte
	Inputs     []InputSignature
}

// Layout: changeHash[20] | n u8 | n * (pubkey[33] | sigLen u8 | der)
func EncodeBitcoinSignatures(s *BitcoinSignatures) ([]byte, error) {

	buf := append([]byte{}, s.ChangeHash[:]...)
	buf = append(buf, byte(len(s.Inputs)))

	for _, in := range s.Inputs {
		if len(in.Signature) > 0xFF {
			return nil, fmt.Errorf("%w: signature of %d bytes", ErrMalformed, len(in.Signature))
		}
		buf = append(buf, in.PublicKey[:]...)
		buf = append(buf, byte(len(in.Signature)))
		buf = append(buf, in.Signature...)
	}

	return buf, nil
}

func DecodeBitcoinSignatures(buf []byte) (*BitcoinSignatures, error) {

	if len(buf) < PubKeyHashLen+1 {
		return nil, fmt.Errorf("%w: short bitcoin signatures", ErrMalformed)
	}

	s := &BitcoinSignatures{}
	copy(s.ChangeHash[:], buf[:PubKeyHashLen])

	n := int(buf[PubKeyHashLen])
	rest := buf[PubKeyHashLen+1:]

	for i := 0; i < n; i++ {

		if len(rest) < 33+1 {
			return nil, fmt.Errorf("%w: truncated signature %d", ErrMalformed, i)
		}

		var in InputSignature
		copy(in.PublicKey[:], rest[:33])

		sigLen := int(rest[33])
		rest = rest[34:]

		if len(rest) < sigLen {
			return nil, fmt.Errorf("%w: truncated signature %d", ErrMalformed, i)
		}

		in.Signature = append([]byte{}, rest[:sigLen]...)
		rest = rest[sigLen:]

		s.Inputs = append(s.Inputs, in)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(rest))
	}

	return s, nil
}
