package lattice

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/payload"
	"github.com/schjonhaug/lattice-go/internal/wire"
)

// PrevOut is an output owned by the device that the transaction spends.
type PrevOut struct {
	TxHash         string // hex, display byte order
	Value          uint64
	OutputIndex    uint32
	RecipientIndex uint32 // address index the output was paid to
}

type BitcoinSignRequest struct {
	PrevOuts      []PrevOut
	Recipient     string // base58 address
	Value         uint64
	Fee           uint64
	IsSegwit      bool
	ChangeIndex   uint32
	ChangeVersion AddressVersion // empty selects the network default
	Network       Network        // empty is mainnet
}

func (r *BitcoinSignRequest) Currency() Currency {
	return BTC
}

func (r *BitcoinSignRequest) Validate() error {

	_, err := r.payload()

	return err
}

// Change is the amount returned to the change address.
func (r *BitcoinSignRequest) Change() (uint64, error) {

	p, err := r.payload()
	if err != nil {
		return 0, err
	}

	return p.Change()
}

func (r *BitcoinSignRequest) payload() (*payload.Bitcoin, error) {

	network, err := networkByte(r.Network)
	if err != nil {
		return nil, err
	}

	if len(r.PrevOuts) == 0 {
		return nil, errors.Wrap(ErrInvalidPrevOut, "no previous outputs")
	}

	if len(r.PrevOuts) > payload.MaxBitcoinInputs {
		return nil, errors.Wrapf(ErrTooManyInputs, "%d, at most %d", len(r.PrevOuts), payload.MaxBitcoinInputs)
	}

	p := &payload.Bitcoin{
		ChangeIndex: r.ChangeIndex,
		Network:     network,
		Segwit:      r.IsSegwit,
		Value:       r.Value,
		Fee:         r.Fee,
		Inputs:      make([]payload.BitcoinInput, len(r.PrevOuts)),
	}

	type outPoint struct {
		hash  string
		index uint32
	}

	var total uint64
	seen := make(map[outPoint]bool, len(r.PrevOuts))

	for i, prevOut := range r.PrevOuts {

		hash, err := hex.DecodeString(prevOut.TxHash)
		if err != nil || len(hash) != payload.HashSize {
			return nil, errors.Wrapf(ErrInvalidPrevOut, "tx hash %q of input %d", prevOut.TxHash, i)
		}

		if prevOut.Value == 0 || prevOut.Value > btcutil.MaxSatoshi {
			return nil, errors.Wrapf(ErrInvalidPrevOut, "value %d of input %d", prevOut.Value, i)
		}

		key := outPoint{hash: hex.EncodeToString(hash), index: prevOut.OutputIndex}
		if seen[key] {
			return nil, errors.Wrapf(ErrInvalidPrevOut, "input %d spends %s:%d twice", i, prevOut.TxHash, prevOut.OutputIndex)
		}
		seen[key] = true

		total += prevOut.Value

		copy(p.Inputs[i].TxHash[:], hash)
		p.Inputs[i].OutputIndex = prevOut.OutputIndex
		p.Inputs[i].Value = prevOut.Value
		p.Inputs[i].RecipientIndex = prevOut.RecipientIndex
	}

	version, hash, err := decodeRecipient(r.Recipient)
	if err != nil {
		return nil, err
	}

	if networkOf(version) != network {
		return nil, errors.Wrapf(ErrNetworkMismatch, "recipient %s on %s", r.Recipient, networkName(network))
	}

	p.RecipientVersion = version
	copy(p.RecipientHash[:], hash)

	if r.Value < DustThreshold {
		return nil, errors.Wrapf(ErrDustOutput, "value %d", r.Value)
	}

	if r.Value > btcutil.MaxSatoshi || r.Fee > btcutil.MaxSatoshi {
		return nil, errors.Wrapf(ErrValueOutOfRange, "value %d, fee %d", r.Value, r.Fee)
	}

	if r.Value+r.Fee > total {
		return nil, errors.Wrapf(ErrInsufficientFunds, "inputs of %d, value %d, fee %d", total, r.Value, r.Fee)
	}

	changeVersion := r.ChangeVersion
	if changeVersion == "" {
		changeVersion = defaultChangeVersion(network, r.IsSegwit)
	}

	_, p.ChangeVersion, err = versionByte(BTC, changeVersion)
	if err != nil {
		return nil, err
	}

	if networkOf(p.ChangeVersion) != network {
		return nil, errors.Wrapf(ErrNetworkMismatch, "change version %s on %s", changeVersion, networkName(network))
	}

	payload.SortInputs(p.Inputs)

	return p, nil
}

func defaultChangeVersion(network byte, segwit bool) AddressVersion {

	switch {
	case network == payload.NetworkTestnet && segwit:
		return VersionSegwitTestnet
	case network == payload.NetworkTestnet:
		return VersionTestnet
	case segwit:
		return VersionSegwit
	default:
		return VersionLegacy
	}
}

// decodeRecipient returns the version byte and hash of a base58 address.
// Native segwit addresses are not supported by the device.
func decodeRecipient(address string) (byte, []byte, error) {

	hash, version, err := base58.CheckDecode(address)
	if err != nil {

		if _, _, bech32Err := bech32.Decode(address); bech32Err == nil {
			return 0, nil, errors.Wrapf(ErrUnsupportedVersion, "bech32 recipient %s", address)
		}

		return 0, nil, errors.Wrapf(ErrInvalidRecipient, "%q: %v", address, err)
	}

	if _, err := bitcoinVersion(version); err != nil {
		return 0, nil, errors.Wrapf(err, "recipient %s", address)
	}

	if len(hash) != payload.PubKeyHashLen {
		return 0, nil, errors.Wrapf(ErrInvalidRecipient, "%q decodes to %d bytes", address, len(hash))
	}

	return version, hash, nil
}

func (r *BitcoinSignRequest) prepare() (*preparedSign, error) {

	p, err := r.payload()
	if err != nil {
		return nil, err
	}

	encoded, err := payload.EncodeBitcoin(p)
	if err != nil {
		return nil, err
	}

	return &preparedSign{
		command: &wire.SignCommand{
			Command:  wire.Command{Cmd: wire.CmdSign},
			Currency: string(BTC),
			Payload:  encoded,
		},
		decode: func(body []byte) (*SignResponse, error) {
			return decodeBitcoinResponse(p, body)
		},
	}, nil
}

// EncodeBitcoinPayload validates r and returns the payload sent to the device.
func EncodeBitcoinPayload(r *BitcoinSignRequest) ([]byte, error) {

	p, err := r.payload()
	if err != nil {
		return nil, err
	}

	return payload.EncodeBitcoin(p)
}

// DecodeBitcoinPayload reverses EncodeBitcoinPayload. The previous outputs
// come back in the order they are spent.
func DecodeBitcoinPayload(b []byte) (*BitcoinSignRequest, error) {

	p, err := payload.DecodeBitcoin(b)
	if err != nil {
		return nil, err
	}

	changeVersion, err := bitcoinVersion(p.ChangeVersion)
	if err != nil {
		return nil, err
	}

	recipient, err := payload.Address(p.RecipientVersion, p.RecipientHash[:])
	if err != nil {
		return nil, err
	}

	r := &BitcoinSignRequest{
		PrevOuts:      make([]PrevOut, len(p.Inputs)),
		Recipient:     recipient.EncodeAddress(),
		Value:         p.Value,
		Fee:           p.Fee,
		IsSegwit:      p.Segwit,
		ChangeIndex:   p.ChangeIndex,
		ChangeVersion: changeVersion,
		Network:       networkName(p.Network),
	}

	for i, in := range p.Inputs {
		r.PrevOuts[i] = PrevOut{
			TxHash:         hex.EncodeToString(in.TxHash[:]),
			Value:          in.Value,
			OutputIndex:    in.OutputIndex,
			RecipientIndex: in.RecipientIndex,
		}
	}

	return r, nil
}

// decodeBitcoinResponse assembles the signed transaction and checks every
// signature against the digest of the input it signs.
func decodeBitcoinResponse(p *payload.Bitcoin, body []byte) (*SignResponse, error) {

	signatures, err := payload.DecodeBitcoinSignatures(body)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if len(signatures.Inputs) != len(p.Inputs) {
		return nil, errors.Wrapf(ErrMalformedResponse, "%d signatures for %d inputs", len(signatures.Inputs), len(p.Inputs))
	}

	unsigned, err := payload.BuildBitcoinTx(p, signatures.ChangeHash[:])
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	publicKeys := make([][]byte, len(signatures.Inputs))
	ders := make([][]byte, len(signatures.Inputs))

	for i, in := range signatures.Inputs {
		publicKeys[i] = append([]byte{}, in.PublicKey[:]...)
		ders[i] = in.Signature
	}

	hashes, err := unsigned.SigHashes(publicKeys)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	result := &SignResponse{Signatures: make([]Signature, len(ders))}

	for i := range ders {

		publicKey, err := btcec.ParsePubKey(publicKeys[i])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedResponse, "public key of input %d: %v", i, err)
		}

		signature, err := ecdsa.ParseDERSignature(ders[i])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedResponse, "signature of input %d: %v", i, err)
		}

		if !signature.Verify(hashes[i], publicKey) {
			return nil, errors.Wrapf(ErrMalformedResponse, "signature of input %d does not verify", i)
		}

		r, s := signature.R(), signature.S()
		rBytes, sBytes := r.Bytes(), s.Bytes()

		result.Signatures[i] = Signature{R: rBytes[:], S: sBytes[:]}
	}

	if err := unsigned.Attach(publicKeys, ders); err != nil {
		return nil, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	raw, err := payload.SerializeTx(unsigned.Tx)
	if err != nil {
		return nil, err
	}

	result.RawTx = raw
	result.TxHash = payload.DisplayHash(unsigned.Tx.TxHash())

	if unsigned.Change > 0 {

		change, err := payload.Address(p.ChangeVersion, signatures.ChangeHash[:])
		if err != nil {
			return nil, errors.Wrap(ErrMalformedResponse, err.Error())
		}

		result.ChangeRecipient = change.EncodeAddress()
	}

	return result, nil
}
