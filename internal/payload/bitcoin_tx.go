package payload

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// VersionParams returns the network of an address version byte and whether
// the version pays to a script hash.
func VersionParams(version byte) (*chaincfg.Params, bool, error) {
	switch version {
	case VersionLegacy:
		return &chaincfg.MainNetParams, false, nil
	case VersionP2SH:
		return &chaincfg.MainNetParams, true, nil
	case VersionTestnet:
		return &chaincfg.TestNet3Params, false, nil
	case VersionP2SHTestnet:
		return &chaincfg.TestNet3Params, true, nil
	default:
		return nil, false, fmt.Errorf("%w: address version %#x", ErrMalformed, version)
	}
}

func NetworkParams(network byte) (*chaincfg.Params, error) {
	switch network {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("%w: network %#x", ErrMalformed, network)
	}
}

// Address encodes a 20 byte hash under an address version.
func Address(version byte, hash []byte) (btcutil.Address, error) {

	params, scriptHash, err := VersionParams(version)
	if err != nil {
		return nil, err
	}

	if scriptHash {
		return btcutil.NewAddressScriptHashFromHash(hash, params)
	}

	return btcutil.NewAddressPubKeyHash(hash, params)
}

func OutputScript(version byte, hash []byte) ([]byte, error) {

	address, err := Address(version, hash)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(address)
}

// WitnessProgram is the P2WPKH program nested in P2SH for segwit spends.
func WitnessProgram(publicKey []byte) []byte {
	return append([]byte{txscript.OP_0, txscript.OP_DATA_20}, btcutil.Hash160(publicKey)...)
}

// ChangeHash is the 20 byte hash the change output of a given version pays
// to for publicKey.
func ChangeHash(version byte, publicKey []byte) ([]byte, error) {

	_, scriptHash, err := VersionParams(version)
	if err != nil {
		return nil, err
	}

	if scriptHash {
		return btcutil.Hash160(WitnessProgram(publicKey)), nil
	}

	return btcutil.Hash160(publicKey), nil
}

func prevOutScript(publicKey []byte, segwit bool) ([]byte, error) {

	if segwit {
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_HASH160).
			AddData(btcutil.Hash160(WitnessProgram(publicKey))).
			AddOp(txscript.OP_EQUAL).
			Script()
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(publicKey)).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// UnsignedTx is a transaction built from a bitcoin payload, with the payload
// inputs reordered to match the transaction's inputs.
type UnsignedTx struct {
	Tx     *wire.MsgTx
	Inputs []BitcoinInput
	Change uint64
	Segwit bool
}

// BuildBitcoinTx returns the unsigned transaction described by p. Inputs and
// outputs are ordered per BIP-69.
func BuildBitcoinTx(p *Bitcoin, changeHash []byte) (*UnsignedTx, error) {

	change, err := p.Change()
	if err != nil {
		return nil, err
	}

	if p.Value > btcutil.MaxSatoshi || change > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w: amount above max satoshi", ErrMalformed)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	byOutPoint := make(map[wire.OutPoint]BitcoinInput, len(p.Inputs))

	for _, in := range p.Inputs {

		hash := outPointHash(in.TxHash)
		outPoint := wire.NewOutPoint(&hash, in.OutputIndex)

		if _, ok := byOutPoint[*outPoint]; ok {
			return nil, fmt.Errorf("%w: duplicate input %s", ErrMalformed, outPoint)
		}

		byOutPoint[*outPoint] = in
		tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
	}

	recipientScript, err := OutputScript(p.RecipientVersion, p.RecipientHash[:])
	if err != nil {
		return nil, err
	}

	tx.AddTxOut(wire.NewTxOut(int64(p.Value), recipientScript))

	if change > 0 {

		changeScript, err := OutputScript(p.ChangeVersion, changeHash)
		if err != nil {
			return nil, err
		}

		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	txsort.InPlaceSort(tx)

	inputs := make([]BitcoinInput, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		inputs[i] = byOutPoint[txIn.PreviousOutPoint]
	}

	return &UnsignedTx{Tx: tx, Inputs: inputs, Change: change, Segwit: p.Segwit}, nil
}

// SigHashes returns the SIGHASH_ALL digest of every input, publicKeys being
// the keys that own the inputs in transaction order.
func (u *UnsignedTx) SigHashes(publicKeys [][]byte) ([][]byte, error) {

	if len(publicKeys) != len(u.Tx.TxIn) {
		return nil, fmt.Errorf("%w: %d keys for %d inputs", ErrMalformed, len(publicKeys), len(u.Tx.TxIn))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(make(map[wire.OutPoint]*wire.TxOut, len(publicKeys)))
	scripts := make([][]byte, len(publicKeys))

	for i, publicKey := range publicKeys {

		script, err := prevOutScript(publicKey, u.Segwit)
		if err != nil {
			return nil, err
		}

		scripts[i] = script
		fetcher.AddPrevOut(u.Tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(int64(u.Inputs[i].Value), script))
	}

	sigHashes := txscript.NewTxSigHashes(u.Tx, fetcher)
	hashes := make([][]byte, len(publicKeys))

	for i, publicKey := range publicKeys {

		var (
			hash []byte
			err  error
		)

		if u.Segwit {
			hash, err = txscript.CalcWitnessSigHash(WitnessProgram(publicKey), sigHashes, txscript.SigHashAll, u.Tx, i, int64(u.Inputs[i].Value))
		} else {
			hash, err = txscript.CalcSignatureHash(scripts[i], txscript.SigHashAll, u.Tx, i)
		}

		if err != nil {
			return nil, err
		}

		hashes[i] = hash
	}

	return hashes, nil
}

// Attach places DER signatures and their public keys into the inputs.
func (u *UnsignedTx) Attach(publicKeys, signatures [][]byte) error {

	if len(publicKeys) != len(u.Tx.TxIn) || len(signatures) != len(u.Tx.TxIn) {
		return fmt.Errorf("%w: signature count does not match inputs", ErrMalformed)
	}

	for i, txIn := range u.Tx.TxIn {

		signature := append(append([]byte{}, signatures[i]...), byte(txscript.SigHashAll))

		if u.Segwit {

			script, err := txscript.NewScriptBuilder().AddData(WitnessProgram(publicKeys[i])).Script()
			if err != nil {
				return err
			}

			txIn.SignatureScript = script
			txIn.Witness = wire.TxWitness{signature, publicKeys[i]}

			continue
		}

		script, err := txscript.NewScriptBuilder().AddData(signature).AddData(publicKeys[i]).Script()
		if err != nil {
			return err
		}

		txIn.SignatureScript = script
	}

	return nil
}

// SortInputs puts inputs in the order txsort gives the inputs of the
// transaction built from them.
func SortInputs(inputs []BitcoinInput) {

	tx := wire.NewMsgTx(wire.TxVersion)

	for i, in := range inputs {
		hash := outPointHash(in.TxHash)
		txIn := wire.NewTxIn(wire.NewOutPoint(&hash, in.OutputIndex), nil, nil)
		txIn.Sequence = uint32(i)
		tx.AddTxIn(txIn)
	}

	txsort.InPlaceSort(tx)

	sorted := make([]BitcoinInput, len(inputs))
	for i, txIn := range tx.TxIn {
		sorted[i] = inputs[txIn.Sequence]
	}

	copy(inputs, sorted)
}

// outPointHash converts a hash in display byte order to its internal order.
func outPointHash(display [HashSize]byte) chainhash.Hash {

	var hash chainhash.Hash

	// 64 hex digits always decode.
	_ = chainhash.Decode(&hash, hex.EncodeToString(display[:]))

	return hash
}

// SerializeTx returns the network serialization of tx, with witness data
// when any input carries a witness.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())

	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DisplayHash returns a transaction hash in the byte order it is displayed in.
func DisplayHash(hash chainhash.Hash) []byte {

	display, _ := hex.DecodeString(hash.String())

	return display
}
