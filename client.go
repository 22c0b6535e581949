package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

const (
	minNameLength = 5
	maxNameLength = 24
)

type Config struct {
	// Name identifies the app to the device during connect and pairing.
	Name string

	// Timeout bounds every command from submission to completion. Pairing
	// and signing wait for the user on the device, so it is generous.
	Timeout time.Duration

	// Retries bounds how often a frame is exchanged again after a transport
	// failure. RetryInterval is the first backoff interval.
	Retries       int
	RetryInterval time.Duration

	// Store persists the pairing record. Nil keeps it in memory.
	Store RecordStore

	// Metrics registers the client collectors. Nil disables metrics.
	Metrics prometheus.Registerer

	// Decoder describes ethereum calldata in sign responses. Optional.
	Decoder CalldataDecoder
}

func DefaultConfig() Config {
	return Config{
		Name:          "lattice-go",
		Timeout:       2 * time.Minute,
		Retries:       3,
		RetryInterval: 100 * time.Millisecond,
	}
}

// Client talks to one device. Commands from any number of goroutines are run
// one at a time in submission order.
type Client struct {
	config     Config
	transport  Transport
	store      RecordStore
	metrics    *metrics
	dispatcher *dispatcher

	mu          sync.RWMutex
	state       State
	fingerprint string

	closeOnce sync.Once

	// Owned by the dispatcher worker.
	deviceID    string
	record      *PairingRecord
	deviceKey   []byte
	clientNonce []byte
	deviceNonce []byte
	session     *session
	frameID     uint32
}

func NewClient(transport Transport, config Config) (*Client, error) {

	if len(config.Name) < minNameLength || len(config.Name) > maxNameLength {
		return nil, errors.Wrapf(ErrInvalidAppName, "%q must be %d to %d characters", config.Name, minNameLength, maxNameLength)
	}

	defaults := DefaultConfig()

	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	if config.Retries < 0 {
		config.Retries = 0
	}

	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}

	if config.Store == nil {
		config.Store = &MemoryRecordStore{}
	}

	record, err := config.Store.Load()
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(config.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}

	return &Client{
		config:     config,
		transport:  transport,
		store:      config.Store,
		metrics:    m,
		dispatcher: newDispatcher(config.Timeout, m),
		record:     record,
	}, nil
}

func (client *Client) State() State {

	client.mu.RLock()
	defer client.mu.RUnlock()

	return client.state
}

// Fingerprint is a human readable digest of the connected device's key, to
// compare with the one the device displays before pairing.
func (client *Client) Fingerprint() (string, error) {

	client.mu.RLock()
	defer client.mu.RUnlock()

	if client.fingerprint == "" {
		return "", ErrNotConnected
	}

	return client.fingerprint, nil
}

// Connect opens a session with deviceID and reports whether the stored
// pairing is still recognized by the device. A pairing the device forgot is
// cleared from the record.
func (client *Client) Connect(ctx context.Context, deviceID string) (bool, error) {

	var paired bool

	err := client.dispatcher.submit(ctx, "connect", func(ctx context.Context) error {

		var err error
		paired, err = client.connect(ctx, deviceID)

		return err
	})

	if err != nil {
		return false, err
	}

	return paired, nil
}

// Pair establishes trust using the secret the device displays.
func (client *Client) Pair(ctx context.Context, secret string) error {

	if secret == "" {
		return errors.Wrap(ErrPairingFailed, "empty pairing secret")
	}

	return client.dispatcher.submit(ctx, "pair", func(ctx context.Context) error {
		return client.pair(ctx, secret)
	})
}

// GetAddresses derives request.Count addresses on the device.
func (client *Client) GetAddresses(ctx context.Context, request AddressRequest) ([]string, error) {

	command, err := request.command()
	if err != nil {
		return nil, err
	}

	var addresses []string

	err = client.dispatcher.submit(ctx, "addresses", func(ctx context.Context) error {

		body, err := client.request(ctx, command)
		if err != nil {
			return err
		}

		data, errData, err := wire.DecodeResponse[wire.AddressesData](body)
		if err != nil {
			return errors.Wrap(ErrMalformedResponse, err.Error())
		}

		if errData != nil {
			return deviceError(errData)
		}

		addresses, err = request.decode(data)

		return err
	})

	if err != nil {
		return nil, err
	}

	return addresses, nil
}

// Sign has the device sign request. Requests are validated before anything
// is queued.
func (client *Client) Sign(ctx context.Context, request SignRequest) (*SignResponse, error) {

	if request == nil {
		return nil, ErrUnknownSignRequest
	}

	prepared, err := request.prepare()
	if err != nil {
		return nil, err
	}

	var response *SignResponse

	err = client.dispatcher.submit(ctx, "sign_"+string(request.Currency()), func(ctx context.Context) error {

		body, err := client.request(ctx, prepared.command)
		if err != nil {
			return err
		}

		data, errData, err := wire.DecodeResponse[wire.SignData](body)
		if err != nil {
			return errors.Wrap(ErrMalformedResponse, err.Error())
		}

		if errData != nil {
			return deviceError(errData)
		}

		response, err = prepared.decode(data.Payload)

		return err
	})

	if err != nil {
		return nil, err
	}

	if prepared.call != nil && client.config.Decoder != nil {

		decoded, err := client.config.Decoder.DecodeCalldata(ctx, prepared.call.data, prepared.call.to, prepared.call.chainID)
		if err != nil {
			log.Warnw("Could not decode calldata", "to", prepared.call.to, "error", err)
		} else {
			response.Decoded = decoded
		}
	}

	return response, nil
}

// Disconnect ends the session. The pairing record is kept.
func (client *Client) Disconnect(ctx context.Context) error {
	return client.dispatcher.submit(ctx, "disconnect", func(ctx context.Context) error {
		client.teardown()
		return nil
	})
}

// Close stops the client. Queued commands fail with ErrClosed.
func (client *Client) Close() error {

	client.closeOnce.Do(func() {
		client.dispatcher.close()
		client.teardown()
	})

	return nil
}

func (client *Client) setState(state State) {

	client.mu.Lock()
	previous := client.state
	client.state = state
	client.mu.Unlock()

	if previous != state {
		log.Debugw("State changed", "from", previous, "to", state)
	}
}

func (client *Client) setFingerprint(fingerprint string) {

	client.mu.Lock()
	defer client.mu.Unlock()

	client.fingerprint = fingerprint
}
