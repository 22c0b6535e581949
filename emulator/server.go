package emulator

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

// Serve answers socket clients until ctx is done or listener fails. One
// client is served at a time, the device having a single link.
func (d *Device) Serve(ctx context.Context, listener net.Listener) error {

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stop()

	for {

		connection, err := listener.Accept()
		if err != nil {

			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if err := d.serveConnection(ctx, connection); err != nil && !errors.Is(err, io.EOF) {
			d.log.Debugw("Connection ended", "error", err)
		}
	}
}

func (d *Device) serveConnection(ctx context.Context, connection net.Conn) error {

	defer connection.Close()

	hello, err := wire.ReadMessage(connection)
	if err != nil {
		return err
	}

	if err := d.Open(ctx, string(hello)); err != nil {
		wire.WriteMessage(connection, []byte(err.Error()))
		return err
	}
	defer d.Close()

	if err := wire.WriteMessage(connection, nil); err != nil {
		return err
	}

	for {

		command, err := wire.ReadMessage(connection)
		if err != nil {
			return err
		}

		response, err := d.Exchange(ctx, command)
		if err != nil {
			return err
		}

		if err := wire.WriteMessage(connection, response); err != nil {
			return err
		}
	}
}
