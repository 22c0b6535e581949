package lattice

import (
	"bytes"
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/channel"
	"github.com/schjonhaug/lattice-go/internal/wire"
)

// session is the encrypted channel of one connection.
type session struct {
	key     []byte
	counter uint64
}

func (s *session) destroy() {
	channel.Zero(s.key)
	s.key = nil
}

// CONNECT

func (client *Client) connect(ctx context.Context, deviceID string) (bool, error) {

	client.teardown()
	client.setState(Connecting)

	paired, err := client.handshake(ctx, deviceID)
	if err != nil {
		client.teardown()
		return false, err
	}

	if paired {
		client.setState(Paired)
	} else {
		client.setState(Unpaired)
	}

	log.Infow("Connected", "device", deviceID, "paired", paired)

	return paired, nil
}

func (client *Client) handshake(ctx context.Context, deviceID string) (bool, error) {

	record := client.record.clone()

	if record == nil || record.DeviceID != deviceID {

		privateKey, _, err := channel.GenerateKey()
		if err != nil {
			return false, err
		}

		record = &PairingRecord{DeviceID: deviceID, LocalPrivateKey: privateKey}
	}

	if err := client.transport.Open(ctx, deviceID); err != nil {

		if ctx.Err() != nil {
			return false, contextError(ctx.Err())
		}

		return false, errors.Wrapf(ErrDeviceUnreachable, "%s: %v", deviceID, err)
	}

	client.deviceID = deviceID

	publicKey, err := channel.PublicKey(record.LocalPrivateKey)
	if err != nil {
		return false, errors.Wrap(ErrCorruptRecord, err.Error())
	}

	nonce, err := channel.NewNonce()
	if err != nil {
		return false, err
	}

	body, err := wire.Marshal(wire.ConnectRequest{PublicKey: publicKey, Nonce: nonce, App: client.config.Name})
	if err != nil {
		return false, err
	}

	response, err := client.roundTrip(ctx, wire.TypeConnect, body)
	if err != nil {
		return false, err
	}

	data, errData, err := wire.DecodeResponse[wire.ConnectResponse](response)
	if err != nil {
		return false, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if errData != nil {
		return false, deviceError(errData)
	}

	fingerprint, err := channel.Fingerprint(data.PublicKey)
	if err != nil {
		return false, errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if len(data.Nonce) != channel.NonceSize {
		return false, errors.Wrapf(ErrMalformedResponse, "device nonce of %d bytes", len(data.Nonce))
	}

	known := bytes.Equal(record.EphemeralPublicKey, data.PublicKey)

	if record.IsPaired && (!data.Paired || !known) {
		log.Infow("Device no longer recognizes the pairing, clearing it", "device", deviceID)
		record.unpair()
	}

	record.EphemeralPublicKey = data.PublicKey

	if err := client.store.Save(record); err != nil {
		return false, errors.Wrap(err, "save pairing record")
	}

	client.record = record
	client.deviceKey = data.PublicKey
	client.clientNonce = nonce
	client.deviceNonce = data.Nonce
	client.setFingerprint(fingerprint)

	log.Debugw("Device", "fingerprint", fingerprint, "firmware", data.Firmware)

	if !record.IsPaired || !data.Paired {
		return false, nil
	}

	if err := client.startSession(record.SharedSecret); err != nil {
		return false, err
	}

	return true, nil
}

func (client *Client) startSession(sharedSecret []byte) error {

	key, err := channel.SessionKey(sharedSecret, client.clientNonce, client.deviceNonce)
	if err != nil {
		return err
	}

	client.session = &session{key: key}

	return nil
}

// PAIR

func (client *Client) pair(ctx context.Context, secret string) error {

	if err := client.State().requireUnpaired(); err != nil {
		return err
	}

	publicKey, err := channel.PublicKey(client.record.LocalPrivateKey)
	if err != nil {
		return errors.Wrap(ErrCorruptRecord, err.Error())
	}

	ecdh, err := channel.SharedSecret(client.record.LocalPrivateKey, client.deviceKey)
	if err != nil {
		return errors.Wrap(ErrPairingFailed, err.Error())
	}
	defer channel.Zero(ecdh)

	candidate, err := channel.PairingCandidate(ecdh, secret, client.deviceKey, publicKey)
	if err != nil {
		return err
	}

	proof := channel.PairProof(candidate, client.clientNonce, client.deviceNonce, client.config.Name)

	body, err := wire.Marshal(wire.PairRequest{PublicKey: publicKey, App: client.config.Name, Proof: proof})
	if err != nil {
		return err
	}

	response, err := client.roundTrip(ctx, wire.TypePair, body)
	if err != nil {
		return err
	}

	data, errData, err := wire.DecodeResponse[wire.PairResponse](response)
	if err != nil {
		return errors.Wrap(ErrMalformedResponse, err.Error())
	}

	if errData != nil {
		return errors.Wrap(pairingError(errData), "pair")
	}

	if !channel.Equal(data.Ack, channel.PairAck(candidate, client.clientNonce, client.deviceNonce)) {
		return errors.Wrap(ErrPairingFailed, "device acknowledgement does not verify")
	}

	record := client.record.clone()
	record.SharedSecret = candidate
	record.IsPaired = true

	if err := client.store.Save(record); err != nil {
		return errors.Wrap(err, "save pairing record")
	}

	client.record = record

	if err := client.startSession(candidate); err != nil {
		return err
	}

	client.setState(Paired)

	log.Infow("Paired", "device", client.deviceID)

	return nil
}

// ENCRYPTED COMMANDS

// request runs command over the encrypted session and returns the decrypted
// response body. Every session failure destroys the session.
func (client *Client) request(ctx context.Context, command any) ([]byte, error) {

	if err := client.State().requireSession(); err != nil {
		return nil, err
	}

	plaintext, err := wire.Marshal(command)
	if err != nil {
		return nil, err
	}

	client.session.counter++
	counter := client.session.counter

	message, err := channel.Seal(client.session.key, channel.ClientToDevice, counter, plaintext)
	if err != nil {
		return nil, err
	}

	response, err := client.roundTrip(ctx, wire.TypeEncrypted, message)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		// The device may still act on the command, the counters can no
		// longer be trusted.
		client.invalidate("command interrupted")
		return nil, contextError(ctx.Err())
	case errors.Is(err, ErrSessionInvalid):
		client.invalidate("device rejected the session")
		return nil, err
	default:
		return nil, err
	}

	echoed, body, err := channel.Open(client.session.key, channel.DeviceToClient, response)
	if err != nil {
		client.invalidate("response does not authenticate")
		return nil, errors.Wrap(ErrSessionInvalid, err.Error())
	}

	if echoed != counter {
		client.invalidate("counter mismatch")
		return nil, errors.Wrapf(ErrSessionInvalid, "response counter %d, expected %d", echoed, counter)
	}

	return body, nil
}

// invalidate destroys the session. The caller has to connect again.
func (client *Client) invalidate(reason string) {

	log.Warnw("Session invalidated", "device", client.deviceID, "reason", reason)

	client.teardown()
}

func (client *Client) teardown() {

	if client.session != nil {
		client.session.destroy()
		client.session = nil
	}

	client.clientNonce = nil
	client.deviceNonce = nil

	if err := client.transport.Close(); err != nil {
		log.Debugw("Closing transport", "error", err)
	}

	client.setState(Disconnected)
}

// TRANSPORT

// roundTrip frames payload, exchanges it with the device and returns the
// body of a successful response. Link drops, malformed or corrupted frames
// and frames the device could not read are retried with the very same bytes,
// so retries never reach the device as a new command.
func (client *Client) roundTrip(ctx context.Context, frameType byte, payload []byte) ([]byte, error) {

	client.frameID++

	frame := wire.Frame{Type: frameType, ID: client.frameID, Payload: payload}

	encoded, err := wire.EncodeFrame(frame)
	if err != nil {
		return nil, err
	}

	command, err := wire.WrapCommand(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	var (
		body   []byte
		reopen bool
	)

	operation := func() error {

		if reopen {

			if err := client.transport.Open(ctx, client.deviceID); err != nil {
				return exchangeError(err)
			}

			reopen = false
		}

		log.Debugf("=> %x", encoded)

		response, err := client.transport.Exchange(ctx, command)
		if err != nil {

			if ctx.Err() != nil {
				return backoff.Permanent(contextError(ctx.Err()))
			}

			reopen = true

			return exchangeError(err)
		}

		data, err := wire.UnwrapResponse(response)
		if errors.Is(err, wire.ErrStatusWord) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}

		log.Debugf("<= %x", data)

		decoded, err := wire.DecodeFrame(data)
		if err != nil {
			return err
		}

		status, responseBody, err := wire.SplitResponse(decoded, frame.ID)
		if err != nil {
			return err
		}

		switch status {
		case wire.StatusOK:
			body = responseBody
			return nil
		case wire.StatusBadFrame:
			return errors.Wrap(ErrMalformedFrame, "device could not read the frame")
		case wire.StatusInvalidSession:
			return backoff.Permanent(ErrSessionInvalid)
		default:
			return backoff.Permanent(errors.Wrapf(ErrMalformedResponse, "frame status %#x", status))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = client.config.RetryInterval
	policy.MaxElapsedTime = 0

	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(client.config.Retries)), ctx)

	err = backoff.RetryNotify(operation, retries, func(err error, wait time.Duration) {
		client.metrics.retry()
		log.Debugw("Retrying exchange", "frame", frame.ID, "error", err, "wait", wait)
	})

	if err != nil {

		if ctx.Err() != nil {
			return nil, contextError(ctx.Err())
		}

		return nil, err
	}

	return body, nil
}
