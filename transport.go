package lattice

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

// Transport carries APDUs to a device. Exchange sends one command APDU and
// returns the response APDU. Any Exchange error is treated as a dropped
// link: the client reopens the transport and exchanges the same bytes again.
type Transport interface {
	Open(ctx context.Context, deviceID string) error
	Exchange(ctx context.Context, command []byte) ([]byte, error)
	Close() error
}

// SocketTransport reaches a device served on a unix or tcp socket. Messages
// are length prefixed. The first message names the device, which the server
// acknowledges with an empty message.
type SocketTransport struct {
	Network string // "unix" or "tcp"
	Address string

	mu         sync.Mutex
	connection net.Conn
}

func NewSocketTransport(network, address string) *SocketTransport {
	return &SocketTransport{Network: network, Address: address}
}

func (transport *SocketTransport) Open(ctx context.Context, deviceID string) error {

	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.connection != nil {
		transport.connection.Close()
		transport.connection = nil
	}

	var dialer net.Dialer

	connection, err := dialer.DialContext(ctx, transport.Network, transport.Address)
	if err != nil {
		return err
	}

	stop := deadlineFromContext(ctx, connection)
	defer stop()

	if err := wire.WriteMessage(connection, []byte(deviceID)); err != nil {
		connection.Close()
		return err
	}

	ack, err := wire.ReadMessage(connection)
	if err != nil {
		connection.Close()
		return errors.Wrapf(err, "device %q not served at %s", deviceID, transport.Address)
	}

	if len(ack) != 0 {
		connection.Close()
		return errors.Errorf("device %q refused: %s", deviceID, ack)
	}

	transport.connection = connection

	return nil
}

func (transport *SocketTransport) Exchange(ctx context.Context, command []byte) ([]byte, error) {

	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.connection == nil {
		return nil, ErrLinkDropped
	}

	stop := deadlineFromContext(ctx, transport.connection)
	defer stop()

	if err := wire.WriteMessage(transport.connection, command); err != nil {
		transport.drop()
		return nil, err
	}

	response, err := wire.ReadMessage(transport.connection)
	if err != nil {
		transport.drop()
		return nil, err
	}

	return response, nil
}

func (transport *SocketTransport) Close() error {

	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.connection == nil {
		return nil
	}

	err := transport.connection.Close()
	transport.connection = nil

	return err
}

func (transport *SocketTransport) drop() {
	transport.connection.Close()
	transport.connection = nil
}

// deadlineFromContext applies the context deadline to connection and
// interrupts blocked reads and writes when the context is cancelled.
func deadlineFromContext(ctx context.Context, connection net.Conn) func() {

	if deadline, ok := ctx.Deadline(); ok {
		connection.SetDeadline(deadline)
	} else {
		connection.SetDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() {
		connection.SetDeadline(time.Now())
	})

	return func() {
		stop()
	}
}

// exchangeError names the link failure for the caller.
func exchangeError(err error) error {

	if errors.Is(err, ErrLinkDropped) {
		return err
	}

	return errors.Wrap(ErrLinkDropped, err.Error())
}
