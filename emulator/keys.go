package emulator

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/schjonhaug/lattice-go/internal/payload"
)

// DefaultMnemonic seeds devices created without a mnemonic.
const DefaultMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

const (
	purposeLegacy = 44
	purposeNested = 49

	coinBitcoin = 0
	coinTestnet = 1
	coinEther   = 60

	chainReceive = 0
	chainChange  = 1
)

type wallet struct {
	master *hdkeychain.ExtendedKey
}

func newWallet(mnemonic string) (*wallet, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	return &wallet{master: master}, nil
}

// derive walks m/purpose'/coin'/0'/chain/index.
func (w *wallet) derive(purpose, coin, chain, index uint32) (*btcec.PrivateKey, error) {

	key := w.master

	path := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coin,
		hdkeychain.HardenedKeyStart,
		chain,
		index,
	}

	for _, i := range path {

		var err error

		if key, err = key.Derive(i); err != nil {
			return nil, err
		}
	}

	return key.ECPrivKey()
}

// bitcoinPath returns the purpose and coin of an address version.
func bitcoinPath(version byte) (uint32, uint32) {

	switch version {
	case payload.VersionP2SH:
		return purposeNested, coinBitcoin
	case payload.VersionTestnet:
		return purposeLegacy, coinTestnet
	case payload.VersionP2SHTestnet:
		return purposeNested, coinTestnet
	default:
		return purposeLegacy, coinBitcoin
	}
}

// inputPath returns the purpose and coin of the keys owning the inputs of a
// bitcoin payload.
func inputPath(p *payload.Bitcoin) (uint32, uint32) {

	purpose, coin := uint32(purposeLegacy), uint32(coinBitcoin)

	if p.Segwit {
		purpose = purposeNested
	}

	if p.Network == payload.NetworkTestnet {
		coin = coinTestnet
	}

	return purpose, coin
}
