package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 33
	NonceSize      = 16
)

var ErrInvalidKey = errors.New("invalid key")

// GenerateKey returns a fresh secp256k1 key pair, the public key compressed.
func GenerateKey() ([]byte, []byte, error) {

	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, err
	}

	return privateKey.Serialize(), privateKey.PubKey().SerializeCompressed(), nil
}

// PublicKey returns the compressed public key of a serialized private key.
func PublicKey(privateKey []byte) ([]byte, error) {

	if len(privateKey) != PrivateKeySize {
		return nil, ErrInvalidKey
	}

	return secp256k1.PrivKeyFromBytes(privateKey).PubKey().SerializeCompressed(), nil
}

// SharedSecret performs ECDH between a local private key and a remote
// compressed public key and hashes the compressed shared point.
func SharedSecret(privateKey, publicKey []byte) ([]byte, error) {

	if len(privateKey) != PrivateKeySize || len(publicKey) != PublicKeySize {
		return nil, ErrInvalidKey
	}

	remote, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return nil, ErrInvalidKey
	}

	local := secp256k1.PrivKeyFromBytes(privateKey)
	defer local.Zero()

	point := sharedPoint(local, remote)
	secret := sha256.Sum256(point)

	return secret[:], nil
}

// sharedPoint returns the compressed encoding of the ECDH point (RFC 5903
// only keeps x, the parity byte is kept so both sides hash 33 bytes).
func sharedPoint(privateKey *secp256k1.PrivateKey, publicKey *secp256k1.PublicKey) []byte {

	var point, result secp256k1.JacobianPoint
	publicKey.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&privateKey.Key, &point, &result)
	result.ToAffine()

	prefix := byte(0x02)
	if result.Y.IsOdd() {
		prefix = 0x03
	}

	xBytes := result.X.Bytes()

	return append([]byte{prefix}, xBytes[:]...)
}

// NewNonce returns NonceSize random bytes.
func NewNonce() ([]byte, error) {

	nonce := make([]byte, NonceSize)

	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return nonce, nil
}

// Fingerprint converts a device public key into a hash formatted for humans
// so a pairing can be confirmed out of band:
//   - sha256(compressed-pubkey)
//   - skip the first 8 bytes
//   - base32 and take the first 20 chars in 4 groups of five
func Fingerprint(publicKey []byte) (string, error) {

	if len(publicKey) != PublicKeySize {
		return "", errors.New("expecting compressed public key")
	}

	checksum := sha256.Sum256(publicKey)

	s := base32.StdEncoding.EncodeToString(checksum[8:])[:20]

	groups := make([]string, 0, 4)
	for i := 0; i < len(s); i += 5 {
		groups = append(groups, s[i:i+5])
	}

	return strings.Join(groups, "-"), nil
}
