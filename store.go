package lattice

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/schjonhaug/lattice-go/internal/channel"
)

// PairingRecord is the durable trust a client holds for one device.
// IsPaired implies SharedSecret holds the secret the device acknowledged.
type PairingRecord struct {
	DeviceID           string `cbor:"device"`
	LocalPrivateKey    []byte `cbor:"local_key"`
	EphemeralPublicKey []byte `cbor:"device_key,omitempty"` // learned on connect
	SharedSecret       []byte `cbor:"secret,omitempty"`
	IsPaired           bool   `cbor:"paired"`
}

func (r *PairingRecord) validate() error {

	if len(r.LocalPrivateKey) != channel.PrivateKeySize {
		return errors.Wrapf(ErrCorruptRecord, "local key of %d bytes", len(r.LocalPrivateKey))
	}

	if len(r.EphemeralPublicKey) != 0 && len(r.EphemeralPublicKey) != channel.PublicKeySize {
		return errors.Wrapf(ErrCorruptRecord, "device key of %d bytes", len(r.EphemeralPublicKey))
	}

	if r.IsPaired && (len(r.SharedSecret) != channel.KeySize || len(r.EphemeralPublicKey) == 0) {
		return errors.Wrap(ErrCorruptRecord, "paired without shared secret")
	}

	return nil
}

func (r *PairingRecord) clone() *PairingRecord {

	if r == nil {
		return nil
	}

	return &PairingRecord{
		DeviceID:           r.DeviceID,
		LocalPrivateKey:    append([]byte(nil), r.LocalPrivateKey...),
		EphemeralPublicKey: append([]byte(nil), r.EphemeralPublicKey...),
		SharedSecret:       append([]byte(nil), r.SharedSecret...),
		IsPaired:           r.IsPaired,
	}
}

// unpair forgets the shared secret.
func (r *PairingRecord) unpair() {

	channel.Zero(r.SharedSecret)
	r.SharedSecret = nil
	r.IsPaired = false
}

// RecordStore persists the pairing record of a client. Load returns nil and
// no error when nothing is stored.
type RecordStore interface {
	Load() (*PairingRecord, error)
	Save(record *PairingRecord) error
	Clear() error
}

type MemoryRecordStore struct {
	mu     sync.Mutex
	record *PairingRecord
}

func (s *MemoryRecordStore) Load() (*PairingRecord, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.record.clone(), nil
}

func (s *MemoryRecordStore) Save(record *PairingRecord) error {

	if err := record.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record = record.clone()

	return nil
}

func (s *MemoryRecordStore) Clear() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.record = nil

	return nil
}

const (
	envelopeVersion = 1
	saltSize        = 16

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

// envelope is the on disk form of a record sealed under a passphrase.
type envelope struct {
	Version    uint32 `cbor:"v"`
	Salt       []byte `cbor:"salt"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ct"`
}

// FileRecordStore keeps the record in a single CBOR file, replaced
// atomically on every save. With a passphrase the file is sealed with
// XChaCha20-Poly1305 under an argon2id key.
type FileRecordStore struct {
	path       string
	passphrase string

	mu sync.Mutex
}

func NewFileRecordStore(path, passphrase string) *FileRecordStore {
	return &FileRecordStore{path: path, passphrase: passphrase}
}

func (s *FileRecordStore) Load() (*PairingRecord, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}

	if s.passphrase != "" {
		if raw, err = s.open(raw); err != nil {
			return nil, err
		}
	}

	var record PairingRecord

	if err := cbor.Unmarshal(raw, &record); err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, err.Error())
	}

	if err := record.validate(); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *FileRecordStore) Save(record *PairingRecord) error {

	if err := record.validate(); err != nil {
		return err
	}

	raw, err := cbor.Marshal(record)
	if err != nil {
		return err
	}

	if s.passphrase != "" {
		if raw, err = s.seal(raw); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return writeAtomic(s.path, raw)
}

func (s *FileRecordStore) Clear() error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (s *FileRecordStore) seal(plaintext []byte) ([]byte, error) {

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	key := recordKey(s.passphrase, salt)
	defer channel.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return cbor.Marshal(envelope{
		Version:    envelopeVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, nil),
	})
}

func (s *FileRecordStore) open(raw []byte) ([]byte, error) {

	var env envelope

	if err := cbor.Unmarshal(raw, &env); err != nil || env.Version != envelopeVersion || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.Wrap(ErrCorruptRecord, "invalid envelope")
	}

	key := recordKey(s.passphrase, env.Salt)
	defer channel.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptRecord, "wrong passphrase or tampered record")
	}

	return plaintext, nil
}

func recordKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
}

// writeAtomic replaces path with data so that readers see either the old or
// the new content.
func writeAtomic(path string, data []byte) error {

	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
