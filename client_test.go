package lattice_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schjonhaug/lattice-go"
	"github.com/schjonhaug/lattice-go/emulator"
	"github.com/schjonhaug/lattice-go/internal/channel"
	"github.com/schjonhaug/lattice-go/internal/payload"
	"github.com/schjonhaug/lattice-go/internal/wire"
)

const (
	deviceID = "lattice-emulator"
	secret   = "12345678"
)

func testConfig() lattice.Config {

	config := lattice.DefaultConfig()
	config.Name = "lattice-test"
	config.RetryInterval = time.Millisecond

	return config
}

func newDevice(t *testing.T) *emulator.Device {

	t.Helper()

	device, err := emulator.New(deviceID, secret)
	require.NoError(t, err)

	return device
}

func newClient(t *testing.T, transport lattice.Transport, config lattice.Config) *lattice.Client {

	t.Helper()

	client, err := lattice.NewClient(transport, config)
	require.NoError(t, err)

	t.Cleanup(func() { client.Close() })

	return client
}

func pairedClient(t *testing.T, config lattice.Config) (*lattice.Client, *emulator.Device) {

	t.Helper()

	device := newDevice(t)
	client := newClient(t, device, config)

	ctx := context.Background()

	paired, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	require.False(t, paired)

	require.NoError(t, client.Pair(ctx, secret))
	require.Equal(t, lattice.Paired, client.State())

	return client, device
}

func TestNewClientRejectsAppName(t *testing.T) {

	for _, name := range []string{"", "abcd", strings.Repeat("a", 25)} {

		config := testConfig()
		config.Name = name

		_, err := lattice.NewClient(newDevice(t), config)
		assert.ErrorIs(t, err, lattice.ErrInvalidAppName)
	}
}

func TestConnectAndPair(t *testing.T) {

	ctx := context.Background()
	device := newDevice(t)
	store := &lattice.MemoryRecordStore{}

	config := testConfig()
	config.Store = store

	client := newClient(t, device, config)
	assert.Equal(t, lattice.Disconnected, client.State())

	_, err := client.Fingerprint()
	assert.ErrorIs(t, err, lattice.ErrNotConnected)

	paired, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, paired)
	assert.Equal(t, lattice.Unpaired, client.State())

	fingerprint, err := client.Fingerprint()
	require.NoError(t, err)

	expected, err := channel.Fingerprint(device.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, expected, fingerprint)

	require.NoError(t, client.Pair(ctx, secret))
	assert.Equal(t, lattice.Paired, client.State())

	record, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsPaired)
	assert.Equal(t, deviceID, record.DeviceID)

	publicKey, err := channel.PublicKey(record.LocalPrivateKey)
	require.NoError(t, err)
	assert.True(t, device.IsPaired(publicKey))

	assert.ErrorIs(t, client.Pair(ctx, secret), lattice.ErrAlreadyPaired)

	// A fresh client with the same record resumes the pairing.
	require.NoError(t, client.Close())

	again := newClient(t, device, config)

	paired, err = again.Connect(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, paired)

	addresses, err := again.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	require.NoError(t, err)
	assert.Len(t, addresses, 1)
}

func TestPairWithWrongSecret(t *testing.T) {

	ctx := context.Background()
	client := newClient(t, newDevice(t), testConfig())

	_, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)

	err = client.Pair(ctx, "87654321")
	assert.ErrorIs(t, err, lattice.ErrPairingFailed)
	assert.True(t, lattice.IsDeviceError(err))
	assert.True(t, lattice.IsSessionError(err))
	assert.Equal(t, lattice.Unpaired, client.State())

	assert.ErrorIs(t, client.Pair(ctx, ""), lattice.ErrPairingFailed)

	require.NoError(t, client.Pair(ctx, secret))
	assert.Equal(t, lattice.Paired, client.State())
}

func TestPairDeclined(t *testing.T) {

	ctx := context.Background()
	device := newDevice(t)
	device.SetApprover(func(request emulator.Request) bool { return request.Command != "pair" })

	client := newClient(t, device, testConfig())

	_, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)

	err = client.Pair(ctx, secret)
	assert.ErrorIs(t, err, lattice.ErrPairingFailed)
	assert.ErrorIs(t, err, lattice.ErrDeviceRejected)

	var deviceErr *lattice.DeviceError
	require.True(t, errors.As(err, &deviceErr))
	assert.True(t, deviceErr.Pairing)
	assert.Equal(t, 0x80, deviceErr.Code)
}

func TestConnectUnknownDevice(t *testing.T) {

	client := newClient(t, newDevice(t), testConfig())

	_, err := client.Connect(context.Background(), "other-device")
	assert.ErrorIs(t, err, lattice.ErrDeviceUnreachable)
	assert.True(t, lattice.IsTransportError(err))
	assert.Equal(t, lattice.Disconnected, client.State())
}

func TestCommandsRequireSession(t *testing.T) {

	ctx := context.Background()
	device := newDevice(t)
	client := newClient(t, device, testConfig())

	request := lattice.AddressRequest{Currency: lattice.ETH, Count: 1}

	_, err := client.GetAddresses(ctx, request)
	assert.ErrorIs(t, err, lattice.ErrNotConnected)

	assert.ErrorIs(t, client.Pair(ctx, secret), lattice.ErrNotConnected)

	_, err = client.Connect(ctx, deviceID)
	require.NoError(t, err)

	_, err = client.GetAddresses(ctx, request)
	assert.ErrorIs(t, err, lattice.ErrNotPaired)

	_, err = client.Sign(ctx, ethereumRequest())
	assert.ErrorIs(t, err, lattice.ErrNotPaired)
	assert.True(t, lattice.IsSessionError(err))

	assert.Zero(t, device.Processed())
}

func TestValidationPrecedesState(t *testing.T) {

	ctx := context.Background()
	client := newClient(t, newDevice(t), testConfig())

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 11})
	assert.ErrorIs(t, err, lattice.ErrTooManyAddresses)

	request := ethereumRequest()
	request.Nonce = 0x10000

	_, err = client.Sign(ctx, request)
	assert.ErrorIs(t, err, lattice.ErrNonceTooLarge)

	_, err = client.Sign(ctx, nil)
	assert.ErrorIs(t, err, lattice.ErrUnknownSignRequest)
}

func TestValidationDoesNotReachDevice(t *testing.T) {

	ctx := context.Background()
	client, device := pairedClient(t, testConfig())

	request := ethereumRequest()
	request.Data = make([]byte, lattice.EthDataMaxSize+1)

	_, err := client.Sign(ctx, request)
	assert.ErrorIs(t, err, lattice.ErrDataTooLarge)
	assert.Zero(t, device.Processed())

	_, err = client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, device.Processed())
}

func TestGetAddresses(t *testing.T) {

	ctx := context.Background()
	client, _ := pairedClient(t, testConfig())

	tests := []struct {
		request  lattice.AddressRequest
		prefixes string
	}{
		{lattice.AddressRequest{Currency: lattice.BTC, Count: 10, Version: lattice.VersionLegacy}, "1"},
		{lattice.AddressRequest{Currency: lattice.BTC, Count: 3}, "3"},
		{lattice.AddressRequest{Currency: lattice.BTC, Count: 3, Version: lattice.VersionP2SH}, "3"},
		{lattice.AddressRequest{Currency: lattice.BTC, Count: 3, Version: lattice.VersionTestnet}, "mn"},
		{lattice.AddressRequest{Currency: lattice.BTC, Count: 3, Version: lattice.VersionSegwitTestnet}, "2"},
		{lattice.AddressRequest{Currency: lattice.ETH, Count: 2, StartIndex: 5}, "0"},
	}

	for _, tt := range tests {

		addresses, err := client.GetAddresses(ctx, tt.request)
		require.NoError(t, err, "%+v", tt.request)
		require.Len(t, addresses, int(tt.request.Count))

		seen := make(map[string]bool)

		for _, address := range addresses {
			assert.Contains(t, tt.prefixes, address[:1], address)
			assert.False(t, seen[address])
			seen[address] = true
		}
	}
}

func TestGetAddressesKnownVectors(t *testing.T) {

	ctx := context.Background()
	client, _ := pairedClient(t, testConfig())

	legacy, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1, Version: lattice.VersionLegacy})
	require.NoError(t, err)
	assert.Equal(t, "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA", legacy[0])

	segwit, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1, Version: lattice.VersionSegwit})
	require.NoError(t, err)
	assert.Equal(t, "37VucYSaXLCAsxYyAPfbSi9eh4iEcbShgf", segwit[0])

	ether, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, "0x9858EfFD232B4033E47d90003D41EC34EcaEda94", ether[0])

	// Ranges are contiguous.
	second, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, StartIndex: 0, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, ether[0], second[0])
}

func TestConcurrentCommands(t *testing.T) {

	ctx := context.Background()
	client, device := pairedClient(t, testConfig())

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {

		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			addresses, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, StartIndex: uint32(i), Count: 1})
			assert.NoError(t, err)
			assert.Len(t, addresses, 1)
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 8, device.Processed())
}

func TestRetryAfterLostResponse(t *testing.T) {

	ctx := context.Background()
	registry := prometheus.NewRegistry()

	config := testConfig()
	config.Metrics = registry

	client, device := pairedClient(t, config)

	request := lattice.AddressRequest{Currency: lattice.ETH, Count: 1}

	expected, err := client.GetAddresses(ctx, request)
	require.NoError(t, err)

	before := device.Processed()

	device.DropResponses(1)

	addresses, err := client.GetAddresses(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, expected, addresses)
	assert.Equal(t, before+1, device.Processed())

	device.DropLink(2)

	addresses, err = client.GetAddresses(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, expected, addresses)
	assert.Equal(t, before+2, device.Processed())

	device.CorruptResponses(1)

	addresses, err = client.GetAddresses(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, expected, addresses)
	assert.Equal(t, before+3, device.Processed())

	assert.Equal(t, lattice.Paired, client.State())

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}

	assert.True(t, names["lattice_commands_total"])
	assert.True(t, names["lattice_transport_retries_total"])
	assert.True(t, names["lattice_command_duration_seconds"])
}

func TestRetriesExhausted(t *testing.T) {

	ctx := context.Background()

	config := testConfig()
	config.Retries = 2

	client, device := pairedClient(t, config)

	device.DropLink(3)

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrLinkDropped)
	assert.True(t, lattice.IsTransportError(err))
	assert.Zero(t, device.Processed())

	// The frame never reached the device, the session is intact.
	_, err = client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, device.Processed())
}

func TestTimeoutDestroysSession(t *testing.T) {

	client, device := pairedClient(t, testConfig())

	device.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrTimeout)

	require.Eventually(t, func() bool { return client.State() == lattice.Disconnected }, 2*time.Second, 5*time.Millisecond)

	device.SetDelay(0)

	paired, err := client.Connect(context.Background(), deviceID)
	require.NoError(t, err)
	assert.True(t, paired)

	_, err = client.GetAddresses(context.Background(), lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.NoError(t, err)
}

func TestWipedDevice(t *testing.T) {

	ctx := context.Background()
	store := &lattice.MemoryRecordStore{}

	config := testConfig()
	config.Store = store

	client, device := pairedClient(t, config)

	device.Wipe()

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrSessionInvalid)
	assert.True(t, lattice.IsSessionError(err))
	assert.Equal(t, lattice.Disconnected, client.State())

	paired, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	assert.False(t, paired)
	assert.Equal(t, lattice.Unpaired, client.State())

	record, err := store.Load()
	require.NoError(t, err)
	assert.False(t, record.IsPaired)
	assert.Empty(t, record.SharedSecret)

	require.NoError(t, client.Pair(ctx, secret))
	assert.Equal(t, lattice.Paired, client.State())
}

func TestDisconnect(t *testing.T) {

	ctx := context.Background()
	client, _ := pairedClient(t, testConfig())

	require.NoError(t, client.Disconnect(ctx))
	assert.Equal(t, lattice.Disconnected, client.State())

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrNotConnected)

	paired, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, paired)

	require.NoError(t, client.Close())

	_, err = client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrClosed)
}

func TestSignDeclined(t *testing.T) {

	ctx := context.Background()
	client, device := pairedClient(t, testConfig())

	device.SetApprover(func(request emulator.Request) bool { return request.Command != "sign" })

	_, err := client.Sign(ctx, ethereumRequest())
	assert.ErrorIs(t, err, lattice.ErrDeviceRejected)
	assert.True(t, lattice.IsDeviceError(err))

	var deviceErr *lattice.DeviceError
	require.True(t, errors.As(err, &deviceErr))
	assert.Equal(t, 0x80, deviceErr.Code)

	assert.Equal(t, lattice.Paired, client.State())
}

type decoder struct {
	calls int
	err   error
}

func (d *decoder) DecodeCalldata(ctx context.Context, data []byte, to string, chainID uint64) (*lattice.DecodedCall, error) {

	d.calls++

	if d.err != nil {
		return nil, d.err
	}

	return &lattice.DecodedCall{
		FunctionName: "transfer",
		Params:       []lattice.DecodedParam{{Name: "to", Type: "address", Value: to}},
	}, nil
}

func TestSignWithCalldataDecoder(t *testing.T) {

	ctx := context.Background()
	d := &decoder{}

	config := testConfig()
	config.Decoder = d

	client, _ := pairedClient(t, config)

	data, err := lattice.ERC20Transfer(recipient, big.NewInt(10))
	require.NoError(t, err)

	request := ethereumRequest()
	request.Data = data

	response, err := client.Sign(ctx, request)
	require.NoError(t, err)
	require.NotNil(t, response.Decoded)
	assert.Equal(t, "transfer", response.Decoded.FunctionName)
	assert.Equal(t, 1, d.calls)

	// No calldata, no decoding.
	_, err = client.Sign(ctx, ethereumRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, d.calls)

	d.err = errors.New("abi not found")

	response, err = client.Sign(ctx, request)
	require.NoError(t, err)
	assert.Nil(t, response.Decoded)
	assert.NotEmpty(t, response.RawTx)
}

// MALFORMED RESPONSES

func TestMalformedResponses(t *testing.T) {

	ctx := context.Background()

	tests := []struct {
		name   string
		tamper emulator.Tamper
		run    func(client *lattice.Client) error
	}{
		{
			name: "address missing",
			tamper: func(command string, body []byte) []byte {

				var data wire.AddressesData
				require.NoError(t, wire.Unmarshal(body, &data))

				data.Addresses = data.Addresses[:len(data.Addresses)-1]

				b, err := wire.Marshal(data)
				require.NoError(t, err)

				return b
			},
			run: func(client *lattice.Client) error {
				_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 3})
				return err
			},
		},
		{
			name: "address added",
			tamper: func(command string, body []byte) []byte {

				var data wire.AddressesData
				require.NoError(t, wire.Unmarshal(body, &data))

				data.Addresses = append(data.Addresses, data.Addresses[0])

				b, err := wire.Marshal(data)
				require.NoError(t, err)

				return b
			},
			run: func(client *lattice.Client) error {
				_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.ETH, Count: 2})
				return err
			},
		},
		{
			name: "ethereum signer mismatch",
			tamper: func(command string, body []byte) []byte {

				var data wire.SignData
				require.NoError(t, wire.Unmarshal(body, &data))

				signature, err := payload.DecodeEthereumSignature(data.Payload)
				require.NoError(t, err)

				signature.Signer[0] ^= 0xFF
				data.Payload = payload.EncodeEthereumSignature(signature)

				b, err := wire.Marshal(data)
				require.NoError(t, err)

				return b
			},
			run: func(client *lattice.Client) error {
				_, err := client.Sign(ctx, ethereumRequest())
				return err
			},
		},
		{
			name: "bitcoin signature does not verify",
			tamper: func(command string, body []byte) []byte {

				var data wire.SignData
				require.NoError(t, wire.Unmarshal(body, &data))

				signatures, err := payload.DecodeBitcoinSignatures(data.Payload)
				require.NoError(t, err)

				key, err := btcec.NewPrivateKey()
				require.NoError(t, err)

				signatures.Inputs[0].Signature = ecdsa.Sign(key, make([]byte, 32)).Serialize()

				data.Payload, err = payload.EncodeBitcoinSignatures(signatures)
				require.NoError(t, err)

				b, err := wire.Marshal(data)
				require.NoError(t, err)

				return b
			},
			run: func(client *lattice.Client) error {
				_, err := client.Sign(ctx, bitcoinRequest(t))
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			client, device := pairedClient(t, testConfig())

			device.SetTamper(tt.tamper)

			err := tt.run(client)
			assert.ErrorIs(t, err, lattice.ErrMalformedResponse)
			assert.False(t, lattice.IsValidationError(err))
		})
	}
}

// rewriter passes frames to a device and lets a test rewrite the body of
// encrypted responses on the way back.
type rewriter struct {
	*emulator.Device

	mu      sync.Mutex
	rewrite func(body []byte) []byte
}

func (r *rewriter) setRewrite(rewrite func(body []byte) []byte) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rewrite = rewrite
}

func (r *rewriter) Exchange(ctx context.Context, command []byte) ([]byte, error) {

	response, err := r.Device.Exchange(ctx, command)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	rewrite := r.rewrite
	r.mu.Unlock()

	if rewrite == nil {
		return response, nil
	}

	data, err := wire.UnwrapCommand(command)
	if err != nil {
		return nil, err
	}

	request, err := wire.DecodeFrame(data)
	if err != nil || request.Type != wire.TypeEncrypted {
		return response, nil
	}

	data, err = wire.UnwrapResponse(response)
	if err != nil {
		return nil, err
	}

	frame, err := wire.DecodeFrame(data)
	if err != nil {
		return nil, err
	}

	status, body, err := wire.SplitResponse(frame, request.ID)
	if err != nil {
		return nil, err
	}

	encoded, err := wire.EncodeFrame(wire.ResponseFrame(request.ID, status, rewrite(body)))
	if err != nil {
		return nil, err
	}

	return wire.WrapResponse(encoded)
}

func pairedRewriter(t *testing.T) (*lattice.Client, *rewriter) {

	t.Helper()

	transport := &rewriter{Device: newDevice(t)}
	client := newClient(t, transport, testConfig())

	ctx := context.Background()

	_, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	require.NoError(t, client.Pair(ctx, secret))

	return client, transport
}

func TestTamperedCiphertextDestroysSession(t *testing.T) {

	ctx := context.Background()
	client, transport := pairedRewriter(t)

	transport.setRewrite(func(body []byte) []byte {
		tampered := append([]byte{}, body...)
		tampered[len(tampered)-1] ^= 0x01
		return tampered
	})

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrSessionInvalid)
	assert.True(t, lattice.IsSessionError(err))
	assert.Equal(t, lattice.Disconnected, client.State())

	transport.setRewrite(nil)

	paired, err := client.Connect(ctx, deviceID)
	require.NoError(t, err)
	assert.True(t, paired)

	_, err = client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.NoError(t, err)
}

func TestReplayedResponseDestroysSession(t *testing.T) {

	ctx := context.Background()
	client, transport := pairedRewriter(t)

	var previous []byte

	transport.setRewrite(func(body []byte) []byte {

		if previous == nil {
			previous = append([]byte{}, body...)
			return body
		}

		return previous
	})

	_, err := client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	require.NoError(t, err)

	_, err = client.GetAddresses(ctx, lattice.AddressRequest{Currency: lattice.BTC, Count: 1})
	assert.ErrorIs(t, err, lattice.ErrSessionInvalid)
	assert.Contains(t, err.Error(), "response counter 1, expected 2")
	assert.Equal(t, lattice.Disconnected, client.State())
}
