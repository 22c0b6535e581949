// Package emulator is a software device speaking the lattice wire protocol.
// It derives its keys from a BIP-39 mnemonic and can inject link failures,
// delays and pairing wipes.
package emulator

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"github.com/schjonhaug/lattice-go/internal/channel"
	"github.com/schjonhaug/lattice-go/internal/payload"
	"github.com/schjonhaug/lattice-go/internal/wire"
)

const DefaultFirmware = "0.17.0"

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrLinkDown      = errors.New("link down")
)

// Request is what the device asks its user to approve.
type Request struct {
	App      string
	Command  string
	Currency string
	Payload  []byte
}

// Approver decides on the device screen. Nil approves everything.
type Approver func(Request) bool

// Tamper rewrites the plaintext response body of an encrypted command before
// the device seals it.
type Tamper func(command string, body []byte) []byte

type Option func(*Device)

func WithMnemonic(mnemonic string) Option {
	return func(d *Device) { d.mnemonic = mnemonic }
}

func WithFirmware(firmware string) Option {
	return func(d *Device) { d.firmware = firmware }
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Device) { d.log = logger.Sugar() }
}

// connection is the state of the last connect frame.
type connection struct {
	app         string
	clientKey   []byte
	clientNonce []byte
	deviceNonce []byte

	sessionKey   []byte
	lastCounter  uint64
	lastResponse []byte
}

type Device struct {
	id       string
	secret   string
	mnemonic string
	firmware string
	log      *zap.SugaredLogger

	wallet      *wallet
	identityKey []byte
	publicKey   []byte

	mu         sync.Mutex
	linked     bool
	pairings   map[string][]byte
	connection *connection
	approver   Approver
	tamper     Tamper
	delay      time.Duration
	dropBefore int
	dropAfter  int
	corrupt    int
	processed  int
}

// New returns a device identified by id whose pairing secret is secret.
func New(id, secret string, options ...Option) (*Device, error) {

	d := &Device{
		id:       id,
		secret:   secret,
		mnemonic: DefaultMnemonic,
		firmware: DefaultFirmware,
		log:      zap.NewNop().Sugar(),
		pairings: make(map[string][]byte),
	}

	for _, option := range options {
		option(d)
	}

	var err error

	if d.wallet, err = newWallet(d.mnemonic); err != nil {
		return nil, err
	}

	if d.identityKey, d.publicKey, err = channel.GenerateKey(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Device) ID() string {
	return d.id
}

// PublicKey is the key the device identifies itself with on connect.
func (d *Device) PublicKey() []byte {
	return append([]byte{}, d.publicKey...)
}

// SetApprover installs the on device confirmation.
func (d *Device) SetApprover(approver Approver) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.approver = approver
}

// SetDelay makes every exchange wait as if for the user.
// SetTamper installs a rewrite of every encrypted response. Nil removes it.
func (d *Device) SetTamper(tamper Tamper) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.tamper = tamper
}

func (d *Device) SetDelay(delay time.Duration) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.delay = delay
}

// DropLink drops the link on the next n exchanges before the device sees
// the command.
func (d *Device) DropLink(n int) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropBefore = n
}

// DropResponses drops the link on the next n exchanges after the device
// acted on the command, losing its response.
func (d *Device) DropResponses(n int) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dropAfter = n
}

// CorruptResponses flips a bit in the next n response frames.
func (d *Device) CorruptResponses(n int) {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.corrupt = n
}

// Wipe forgets every pairing and the current session, as a firmware reset
// would.
func (d *Device) Wipe() {

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, secret := range d.pairings {
		channel.Zero(secret)
		delete(d.pairings, key)
	}

	d.connection = nil
}

// Processed counts the encrypted commands the device executed. Responses
// served again to a retried frame are not counted.
func (d *Device) Processed() int {

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.processed
}

// IsPaired reports whether the device holds a pairing for clientKey.
func (d *Device) IsPaired(clientKey []byte) bool {

	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.pairings[hex.EncodeToString(clientKey)]

	return ok
}

// TRANSPORT

func (d *Device) Open(ctx context.Context, deviceID string) error {

	if deviceID != d.id {
		return ErrUnknownDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.linked = true

	return nil
}

func (d *Device) Close() error {

	d.mu.Lock()
	defer d.mu.Unlock()

	d.linked = false

	return nil
}

// Exchange processes one command APDU. The session survives the link going
// down, so a frame exchanged again after a drop is answered from the
// response cache.
func (d *Device) Exchange(ctx context.Context, command []byte) ([]byte, error) {

	d.mu.Lock()
	delay := d.delay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.linked {
		return nil, ErrLinkDown
	}

	if d.dropBefore > 0 {
		d.dropBefore--
		d.linked = false
		return nil, ErrLinkDown
	}

	frame := d.handle(append([]byte{}, command...))

	encoded, err := wire.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}

	if d.dropAfter > 0 {
		d.dropAfter--
		d.linked = false
		return nil, ErrLinkDown
	}

	if d.corrupt > 0 {
		d.corrupt--
		encoded[len(encoded)/2] ^= 0x01
	}

	return wire.WrapResponse(encoded)
}

func (d *Device) handle(command []byte) wire.Frame {

	data, err := wire.UnwrapCommand(command)
	if err != nil {
		return wire.ResponseFrame(0, wire.StatusBadFrame, nil)
	}

	frame, err := wire.DecodeFrame(data)
	if err != nil {
		d.log.Debugw("Bad frame", "error", err)
		return wire.ResponseFrame(peekID(data), wire.StatusBadFrame, nil)
	}

	switch frame.Type {
	case wire.TypeConnect:
		return wire.ResponseFrame(frame.ID, wire.StatusOK, d.handleConnect(frame.Payload))
	case wire.TypePair:
		return wire.ResponseFrame(frame.ID, wire.StatusOK, d.handlePair(frame.Payload))
	case wire.TypeEncrypted:
		status, body := d.handleEncrypted(frame.Payload)
		return wire.ResponseFrame(frame.ID, status, body)
	default:
		return wire.ResponseFrame(frame.ID, wire.StatusUnknownType, nil)
	}
}

// peekID reads the id of a frame that failed to decode, so the client can
// match the bad frame status to its request.
func peekID(data []byte) uint32 {

	if len(data) < 6 {
		return 0
	}

	return binary.BigEndian.Uint32(data[2:6])
}

func (d *Device) handleConnect(body []byte) []byte {

	var request wire.ConnectRequest

	if err := wire.Unmarshal(body, &request); err != nil {
		return errorBody(wire.CodeInvalidRequest, "malformed connect")
	}

	if len(request.PublicKey) != channel.PublicKeySize || len(request.Nonce) != channel.NonceSize {
		return errorBody(wire.CodeInvalidRequest, "malformed connect")
	}

	nonce, err := channel.NewNonce()
	if err != nil {
		return errorBody(wire.CodeBusy, err.Error())
	}

	c := &connection{
		app:         request.App,
		clientKey:   request.PublicKey,
		clientNonce: request.Nonce,
		deviceNonce: nonce,
	}

	secret, paired := d.pairings[hex.EncodeToString(request.PublicKey)]

	if paired {
		if c.sessionKey, err = channel.SessionKey(secret, c.clientNonce, c.deviceNonce); err != nil {
			return errorBody(wire.CodeBusy, err.Error())
		}
	}

	d.connection = c

	d.log.Debugw("Connect", "app", request.App, "paired", paired)

	return marshal(wire.ConnectResponse{
		Paired:    paired,
		PublicKey: d.publicKey,
		Nonce:     nonce,
		Firmware:  d.firmware,
	})
}

func (d *Device) handlePair(body []byte) []byte {

	c := d.connection

	var request wire.PairRequest

	if err := wire.Unmarshal(body, &request); err != nil || c == nil {
		return errorBody(wire.CodeInvalidRequest, "malformed pair")
	}

	if !equal(request.PublicKey, c.clientKey) {
		return errorBody(wire.CodeInvalidRequest, "pair from another client")
	}

	if !d.approve(Request{App: request.App, Command: "pair"}) {
		return errorBody(wire.CodeUserDeclined, "pairing declined")
	}

	ecdh, err := channel.SharedSecret(d.identityKey, c.clientKey)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}
	defer channel.Zero(ecdh)

	candidate, err := channel.PairingCandidate(ecdh, d.secret, d.publicKey, c.clientKey)
	if err != nil {
		return errorBody(wire.CodeBusy, err.Error())
	}

	if !channel.Equal(request.Proof, channel.PairProof(candidate, c.clientNonce, c.deviceNonce, request.App)) {
		return errorBody(wire.CodePairingRejected, "wrong pairing secret")
	}

	if c.sessionKey, err = channel.SessionKey(candidate, c.clientNonce, c.deviceNonce); err != nil {
		return errorBody(wire.CodeBusy, err.Error())
	}

	d.pairings[hex.EncodeToString(c.clientKey)] = candidate

	d.log.Debugw("Paired", "app", request.App)

	return marshal(wire.PairResponse{Ack: channel.PairAck(candidate, c.clientNonce, c.deviceNonce)})
}

func (d *Device) handleEncrypted(message []byte) (byte, []byte) {

	c := d.connection

	if c == nil || c.sessionKey == nil {
		return wire.StatusInvalidSession, nil
	}

	counter, plaintext, err := channel.Open(c.sessionKey, channel.ClientToDevice, message)
	if err != nil {
		d.connection = nil
		return wire.StatusInvalidSession, nil
	}

	if counter == c.lastCounter && c.lastResponse != nil {
		d.log.Debugw("Replaying cached response", "counter", counter)
		return wire.StatusOK, c.lastResponse
	}

	if counter <= c.lastCounter {
		d.connection = nil
		return wire.StatusInvalidSession, nil
	}

	body := d.execute(c, plaintext)
	d.processed++

	if d.tamper != nil {
		cmd, _ := wire.PeekCommand(plaintext)
		body = d.tamper(cmd, body)
	}

	sealed, err := channel.Seal(c.sessionKey, channel.DeviceToClient, counter, body)
	if err != nil {
		return wire.StatusInvalidSession, nil
	}

	c.lastCounter = counter
	c.lastResponse = sealed

	return wire.StatusOK, sealed
}

func (d *Device) execute(c *connection, plaintext []byte) []byte {

	cmd, err := wire.PeekCommand(plaintext)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, "malformed command")
	}

	switch cmd {
	case wire.CmdAddresses:

		var command wire.AddressesCommand

		if err := wire.Unmarshal(plaintext, &command); err != nil {
			return errorBody(wire.CodeInvalidRequest, "malformed addresses")
		}

		return d.addresses(&command)

	case wire.CmdSign:

		var command wire.SignCommand

		if err := wire.Unmarshal(plaintext, &command); err != nil {
			return errorBody(wire.CodeInvalidRequest, "malformed sign")
		}

		if !d.approve(Request{App: c.app, Command: cmd, Currency: command.Currency, Payload: command.Payload}) {
			return errorBody(wire.CodeUserDeclined, "declined on device")
		}

		switch command.Currency {
		case "ETH":
			return d.signEthereum(command.Payload)
		case "BTC":
			return d.signBitcoin(command.Payload)
		}

		return errorBody(wire.CodeUnsupported, "unsupported currency "+command.Currency)

	default:
		return errorBody(wire.CodeUnsupported, "unsupported command "+cmd)
	}
}

func (d *Device) approve(request Request) bool {
	return d.approver == nil || d.approver(request)
}

// ADDRESSES

func (d *Device) addresses(command *wire.AddressesCommand) []byte {

	if command.Count == 0 || command.Count > 10 {
		return errorBody(wire.CodeInvalidRequest, "address count")
	}

	addresses := make([]string, 0, command.Count)

	for i := uint32(0); i < uint32(command.Count); i++ {

		index := command.Start + i

		switch command.Currency {
		case "ETH":

			key, err := d.wallet.derive(purposeLegacy, coinEther, chainReceive, index)
			if err != nil {
				return errorBody(wire.CodeInvalidRequest, err.Error())
			}

			ethereumKey, err := crypto.ToECDSA(key.Serialize())
			if err != nil {
				return errorBody(wire.CodeInvalidRequest, err.Error())
			}

			addresses = append(addresses, crypto.PubkeyToAddress(ethereumKey.PublicKey).Hex())

		case "BTC":

			purpose, coin := bitcoinPath(command.Version)

			key, err := d.wallet.derive(purpose, coin, chainReceive, index)
			if err != nil {
				return errorBody(wire.CodeInvalidRequest, err.Error())
			}

			address, err := bitcoinAddress(command.Version, key.PubKey().SerializeCompressed())
			if err != nil {
				return errorBody(wire.CodeInvalidRequest, err.Error())
			}

			addresses = append(addresses, address)

		default:
			return errorBody(wire.CodeUnsupported, "unsupported currency "+command.Currency)
		}
	}

	return marshal(wire.AddressesData{Addresses: addresses})
}

func bitcoinAddress(version byte, publicKey []byte) (string, error) {

	hash, err := payload.ChangeHash(version, publicKey)
	if err != nil {
		return "", err
	}

	address, err := payload.Address(version, hash)
	if err != nil {
		return "", err
	}

	return address.EncodeAddress(), nil
}

// SIGN

func (d *Device) signEthereum(body []byte) []byte {

	p, err := payload.DecodeEthereum(body)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	key, err := d.wallet.derive(purposeLegacy, coinEther, chainReceive, p.SignerIndex)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	encoded, err := rlp.EncodeToBytes(&p.Tx)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	ethereumKey, err := crypto.ToECDSA(key.Serialize())
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	signature, err := crypto.Sign(crypto.Keccak256(encoded), ethereumKey)
	if err != nil {
		return errorBody(wire.CodeBusy, err.Error())
	}

	result := payload.EthereumSignature{
		Signer:     crypto.PubkeyToAddress(ethereumKey.PublicKey),
		RecoveryID: signature[64],
	}
	copy(result.R[:], signature[:32])
	copy(result.S[:], signature[32:64])

	return marshal(wire.SignData{Payload: payload.EncodeEthereumSignature(&result)})
}

func (d *Device) signBitcoin(body []byte) []byte {

	p, err := payload.DecodeBitcoin(body)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	changePurpose, changeCoin := bitcoinPath(p.ChangeVersion)

	changeKey, err := d.wallet.derive(changePurpose, changeCoin, chainChange, p.ChangeIndex)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	changeHash, err := payload.ChangeHash(p.ChangeVersion, changeKey.PubKey().SerializeCompressed())
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	unsigned, err := payload.BuildBitcoinTx(p, changeHash)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	purpose, coin := inputPath(p)

	result := payload.BitcoinSignatures{Inputs: make([]payload.InputSignature, len(unsigned.Inputs))}
	copy(result.ChangeHash[:], changeHash)

	publicKeys := make([][]byte, len(unsigned.Inputs))
	keys := make([]*btcec.PrivateKey, len(unsigned.Inputs))

	for i, in := range unsigned.Inputs {

		key, err := d.wallet.derive(purpose, coin, chainReceive, in.RecipientIndex)
		if err != nil {
			return errorBody(wire.CodeInvalidRequest, err.Error())
		}

		keys[i] = key
		publicKeys[i] = key.PubKey().SerializeCompressed()
	}

	hashes, err := unsigned.SigHashes(publicKeys)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	for i := range hashes {
		copy(result.Inputs[i].PublicKey[:], publicKeys[i])
		result.Inputs[i].Signature = ecdsa.Sign(keys[i], hashes[i]).Serialize()
	}

	encoded, err := payload.EncodeBitcoinSignatures(&result)
	if err != nil {
		return errorBody(wire.CodeInvalidRequest, err.Error())
	}

	return marshal(wire.SignData{Payload: encoded})
}

func errorBody(code int, message string) []byte {
	return marshal(wire.ErrorData{Code: code, Error: message})
}

func marshal(value any) []byte {

	b, err := wire.Marshal(value)
	if err != nil {
		panic(err)
	}

	return b
}

func equal(a, b []byte) bool {
	return len(a) == len(b) && channel.Equal(a, b)
}
