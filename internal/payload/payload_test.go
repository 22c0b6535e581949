package payload

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ethereumPayload(eip155 bool) *Ethereum {
	return &Ethereum{
		SignerIndex: 3,
		EIP155:      eip155,
		ChainID:     5,
		Tx: EthereumTx{
			Nonce:    9,
			GasPrice: big.NewInt(1_000_000_000),
			Gas:      21000,
			To:       common.HexToAddress("0xe242e54155b1abc71fc118065270cecaaf8b7768"),
			Value:    big.NewInt(1),
			Data:     []byte{0xde, 0xad},
		},
	}
}

func TestEthereumRoundTrip(t *testing.T) {

	for _, eip155 := range []bool{true, false} {

		encoded, err := EncodeEthereum(ethereumPayload(eip155))
		require.NoError(t, err)

		decoded, err := DecodeEthereum(encoded)
		require.NoError(t, err)

		assert.Equal(t, uint32(3), decoded.SignerIndex)
		assert.Equal(t, eip155, decoded.EIP155)
		assert.Equal(t, uint64(5), decoded.ChainID)
		assert.Equal(t, uint64(9), decoded.Tx.Nonce)
		assert.Equal(t, uint64(21000), decoded.Tx.Gas)
		assert.Equal(t, []byte{0xde, 0xad}, decoded.Tx.Data)

		if eip155 {
			require.NotNil(t, decoded.Tx.ChainID)
			assert.Equal(t, int64(5), decoded.Tx.ChainID.Int64())
		} else {
			assert.Nil(t, decoded.Tx.ChainID)
		}
	}
}

func TestDecodeEthereumRejectsMismatch(t *testing.T) {

	encoded, err := EncodeEthereum(ethereumPayload(true))
	require.NoError(t, err)

	flag := bytes.Clone(encoded)
	flag[4] = 0
	_, err = DecodeEthereum(flag)
	assert.ErrorIs(t, err, ErrMalformed)

	chain := bytes.Clone(encoded)
	chain[12] = 6
	_, err = DecodeEthereum(chain)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeEthereum(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEthereumSignature(t *testing.T) {

	sig := &EthereumSignature{Signer: common.HexToAddress("0x01"), RecoveryID: 1}
	sig.R[0], sig.S[31] = 0xAA, 0xBB

	decoded, err := DecodeEthereumSignature(EncodeEthereumSignature(sig))
	require.NoError(t, err)
	assert.Equal(t, sig, decoded)

	bad := EncodeEthereumSignature(sig)
	bad[len(bad)-1] = 2
	_, err = DecodeEthereumSignature(bad)
	assert.ErrorIs(t, err, ErrMalformed)
}

func hash(b byte) [HashSize]byte {
	var h [HashSize]byte
	h[0] = b
	return h
}

func bitcoinPayload() *Bitcoin {
	return &Bitcoin{
		ChangeVersion:    VersionP2SH,
		ChangeIndex:      4,
		Network:          NetworkMainnet,
		Segwit:           true,
		RecipientVersion: VersionLegacy,
		Value:            60_000,
		Fee:              1_000,
		Inputs: []BitcoinInput{
			{TxHash: hash(0x02), OutputIndex: 1, Value: 50_000, RecipientIndex: 0},
			{TxHash: hash(0x01), OutputIndex: 0, Value: 20_000, RecipientIndex: 1},
		},
	}
}

func TestBitcoinRoundTrip(t *testing.T) {

	p := bitcoinPayload()

	encoded, err := EncodeBitcoin(p)
	require.NoError(t, err)

	decoded, err := DecodeBitcoin(encoded)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)

	change, err := decoded.Change()
	require.NoError(t, err)
	assert.Equal(t, uint64(9_000), change)

	_, err = DecodeBitcoin(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBitcoinRejectsInputCount(t *testing.T) {

	p := bitcoinPayload()
	p.Inputs = nil

	_, err := EncodeBitcoin(p)
	assert.ErrorIs(t, err, ErrMalformed)

	p.Inputs = make([]BitcoinInput, MaxBitcoinInputs+1)
	_, err = EncodeBitcoin(p)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestChangeRejectsOverspend(t *testing.T) {

	p := bitcoinPayload()
	p.Value = 70_000

	_, err := p.Change()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSortInputs(t *testing.T) {

	inputs := []BitcoinInput{
		{TxHash: hash(0x02), OutputIndex: 0},
		{TxHash: hash(0x01), OutputIndex: 3},
		{TxHash: hash(0x01), OutputIndex: 1},
	}

	SortInputs(inputs)

	assert.Equal(t, hash(0x01), inputs[0].TxHash)
	assert.Equal(t, uint32(1), inputs[0].OutputIndex)
	assert.Equal(t, uint32(3), inputs[1].OutputIndex)
	assert.Equal(t, hash(0x02), inputs[2].TxHash)
}

func TestSortInputsMatchesTransaction(t *testing.T) {

	p := bitcoinPayload()
	p.Inputs = []BitcoinInput{
		{TxHash: hash(0x30), OutputIndex: 0, Value: 10_000},
		{TxHash: hash(0x10), OutputIndex: 7, Value: 20_000},
		{TxHash: hash(0x10), OutputIndex: 2, Value: 30_000},
		{TxHash: hash(0x20), OutputIndex: 1, Value: 40_000},
	}
	p.Value = 90_000

	unsigned, err := BuildBitcoinTx(p, make([]byte, PubKeyHashLen))
	require.NoError(t, err)

	sorted := append([]BitcoinInput{}, p.Inputs...)
	SortInputs(sorted)

	assert.Equal(t, unsigned.Inputs, sorted)

	for i, txIn := range unsigned.Tx.TxIn {
		assert.Equal(t, sorted[i].TxHash[:], DisplayHash(txIn.PreviousOutPoint.Hash))
		assert.Equal(t, sorted[i].OutputIndex, txIn.PreviousOutPoint.Index)
	}
}

func TestBitcoinSignatures(t *testing.T) {

	s := &BitcoinSignatures{
		Inputs: []InputSignature{
			{Signature: []byte{0x30, 0x01}},
			{Signature: []byte{0x30, 0x02, 0x03}},
		},
	}
	s.ChangeHash[0] = 0x11
	s.Inputs[0].PublicKey[0] = 0x02

	encoded, err := EncodeBitcoinSignatures(s)
	require.NoError(t, err)

	decoded, err := DecodeBitcoinSignatures(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)

	_, err = DecodeBitcoinSignatures(append(encoded, 0x00))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBuildBitcoinTx(t *testing.T) {

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	publicKey := key.PubKey().SerializeCompressed()

	changeHash, err := ChangeHash(VersionP2SH, publicKey)
	require.NoError(t, err)

	unsigned, err := BuildBitcoinTx(bitcoinPayload(), changeHash)
	require.NoError(t, err)

	require.Len(t, unsigned.Tx.TxIn, 2)
	require.Len(t, unsigned.Tx.TxOut, 2)
	assert.Equal(t, uint64(9_000), unsigned.Change)

	// BIP-69 orders outputs by amount and inputs by reversed hash.
	assert.Equal(t, int64(9_000), unsigned.Tx.TxOut[0].Value)
	assert.Equal(t, int64(60_000), unsigned.Tx.TxOut[1].Value)
	assert.Equal(t, uint64(20_000), unsigned.Inputs[0].Value)

	hashes, err := unsigned.SigHashes([][]byte{publicKey, publicKey})
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	assert.NotEqual(t, hashes[0], hashes[1])

	require.NoError(t, unsigned.Attach([][]byte{publicKey, publicKey}, [][]byte{{0x30}, {0x30}}))
	assert.Len(t, unsigned.Tx.TxIn[0].Witness, 2)
	assert.NotEmpty(t, unsigned.Tx.TxIn[0].SignatureScript)

	raw, err := SerializeTx(unsigned.Tx)
	require.NoError(t, err)
	assert.Equal(t, unsigned.Tx.SerializeSize(), len(raw))
}

func TestBuildBitcoinTxWithoutChange(t *testing.T) {

	p := bitcoinPayload()
	p.Value = 69_000

	unsigned, err := BuildBitcoinTx(p, nil)
	require.NoError(t, err)

	assert.Len(t, unsigned.Tx.TxOut, 1)
	assert.Zero(t, unsigned.Change)
}

func TestAddressVersions(t *testing.T) {

	h := make([]byte, PubKeyHashLen)

	for version, prefix := range map[byte]string{
		VersionLegacy:      "1",
		VersionP2SH:        "3",
		VersionTestnet:     "m",
		VersionP2SHTestnet: "2",
	} {
		address, err := Address(version, h)
		require.NoError(t, err)
		assert.Equal(t, prefix, address.EncodeAddress()[:1])
	}

	_, err := Address(0x42, h)
	assert.ErrorIs(t, err, ErrMalformed)
}
