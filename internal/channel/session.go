package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"
)

const (
	KeySize     = 32
	CounterSize = 8

	pairingInfo = "lattice-pairing-v1"
	sessionInfo = "lattice-session-v1"

	// scrypt cost for the pairing secret; pairing happens once per device.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Direction keeps the two halves of a session from ever sharing a nonce.
type Direction uint32

const (
	ClientToDevice Direction = 0x43324400 // "C2D\x00"
	DeviceToClient Direction = 0x44324300 // "D2C\x00"
)

var (
	ErrAuthFailed   = errors.New("message authentication failed")
	ErrShortMessage = errors.New("encrypted message too short")
)

// PairingCandidate strengthens the user entered secret and binds it to the
// ECDH secret of both parties. Both sides derive the same 32 bytes only when
// they hold the same secret.
func PairingCandidate(ecdhSecret []byte, secret string, devicePublicKey, clientPublicKey []byte) ([]byte, error) {

	salt := sha256.Sum256(append(append([]byte{}, devicePublicKey...), clientPublicKey...))

	strengthened, err := scrypt.Key([]byte(secret), salt[:], scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, err
	}

	return expand(ecdhSecret, strengthened, pairingInfo)
}

// SessionKey derives the per connection key from the durable shared secret.
func SessionKey(sharedSecret, clientNonce, deviceNonce []byte) ([]byte, error) {

	salt := append(append([]byte{}, clientNonce...), deviceNonce...)

	return expand(sharedSecret, salt, sessionInfo)
}

func expand(secret, salt []byte, info string) ([]byte, error) {

	key := make([]byte, KeySize)

	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, err
	}

	return key, nil
}

// PairProof is sent by the client to prove knowledge of the pairing secret.
func PairProof(candidate, clientNonce, deviceNonce []byte, app string) []byte {
	return mac(candidate, []byte("pair"), clientNonce, deviceNonce, []byte(app))
}

// PairAck is returned by the device to prove it derived the same candidate.
func PairAck(candidate, clientNonce, deviceNonce []byte) []byte {
	return mac(candidate, []byte("ack"), deviceNonce, clientNonce)
}

// Equal compares two MACs in constant time.
func Equal(a, b []byte) bool {
	return hmac.Equal(a, b)
}

func mac(key []byte, parts ...[]byte) []byte {

	h := hmac.New(sha256.New, key)
	for _, part := range parts {
		h.Write(part)
	}

	return h.Sum(nil)
}

// Seal encrypts plaintext under key at the given counter. The output is
// counter || ciphertext, the counter also being the associated data.
func Seal(key []byte, direction Direction, counter uint64, plaintext []byte) ([]byte, error) {

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, CounterSize)
	binary.BigEndian.PutUint64(header, counter)

	return aead.Seal(header, nonce(direction, counter), plaintext, header), nil
}

// Open reverses Seal and returns the counter the message was sealed at.
func Open(key []byte, direction Direction, message []byte) (uint64, []byte, error) {

	if len(message) < CounterSize+chacha20poly1305.Overhead {
		return 0, nil, ErrShortMessage
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return 0, nil, err
	}

	header := message[:CounterSize]
	counter := binary.BigEndian.Uint64(header)

	plaintext, err := aead.Open(nil, nonce(direction, counter), message[CounterSize:], header)
	if err != nil {
		return 0, nil, ErrAuthFailed
	}

	return counter, plaintext, nil
}

func nonce(direction Direction, counter uint64) []byte {

	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(n[:4], uint32(direction))
	binary.BigEndian.PutUint64(n[4:], counter)

	return n
}

// Zero overwrites a secret in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
