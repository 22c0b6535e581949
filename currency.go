package lattice

import (
	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/payload"
)

type Currency string

const (
	BTC Currency = "BTC"
	ETH Currency = "ETH"
)

// AddressVersion selects the address family addresses are derived and
// encoded under.
type AddressVersion string

const (
	VersionLegacy        AddressVersion = "LEGACY"
	VersionP2SH          AddressVersion = "P2SH"
	VersionSegwit        AddressVersion = "SEGWIT" // P2SH wrapped P2WPKH
	VersionTestnet       AddressVersion = "TESTNET"
	VersionSegwitTestnet AddressVersion = "SEGWIT_TESTNET"
	VersionEthereum      AddressVersion = "ETH"
)

type Network string

const (
	Mainnet Network = "MAINNET"
	Testnet Network = "TESTNET"
)

// DustThreshold is the smallest output value in satoshi the device signs.
const DustThreshold = 546

var bitcoinVersions = map[AddressVersion]byte{
	VersionLegacy:        payload.VersionLegacy,
	VersionP2SH:          payload.VersionP2SH,
	VersionSegwit:        payload.VersionP2SH,
	VersionTestnet:       payload.VersionTestnet,
	VersionSegwitTestnet: payload.VersionP2SHTestnet,
}

var defaultVersions = map[Currency]AddressVersion{
	BTC: VersionSegwit,
	ETH: VersionEthereum,
}

func checkCurrency(currency Currency) error {

	if _, ok := defaultVersions[currency]; !ok {
		return errors.Wrapf(ErrUnsupportedCurrency, "%q", currency)
	}

	return nil
}

// versionByte resolves the version of currency to the byte the device
// expects. An empty version selects the currency default.
func versionByte(currency Currency, version AddressVersion) (AddressVersion, byte, error) {

	if err := checkCurrency(currency); err != nil {
		return "", 0, err
	}

	if version == "" {
		version = defaultVersions[currency]
	}

	switch currency {
	case ETH:
		if version != VersionEthereum {
			return "", 0, errors.Wrapf(ErrUnsupportedVersion, "%s for %s", version, currency)
		}
		return version, 0, nil
	default:
		b, ok := bitcoinVersions[version]
		if !ok {
			return "", 0, errors.Wrapf(ErrUnsupportedVersion, "%s for %s", version, currency)
		}
		return version, b, nil
	}
}

// bitcoinVersion maps a version byte back to its canonical version name.
// 0x05 is reported as SEGWIT, P2SH being an alias of it.
func bitcoinVersion(b byte) (AddressVersion, error) {

	switch b {
	case payload.VersionLegacy:
		return VersionLegacy, nil
	case payload.VersionP2SH:
		return VersionSegwit, nil
	case payload.VersionTestnet:
		return VersionTestnet, nil
	case payload.VersionP2SHTestnet:
		return VersionSegwitTestnet, nil
	}

	return "", errors.Wrapf(ErrUnsupportedVersion, "version byte %#x", b)
}

func networkByte(network Network) (byte, error) {

	switch network {
	case Mainnet, "":
		return payload.NetworkMainnet, nil
	case Testnet:
		return payload.NetworkTestnet, nil
	}

	return 0, errors.Wrapf(ErrNetworkMismatch, "unknown network %q", network)
}

func networkOf(version byte) byte {

	if version == payload.VersionTestnet || version == payload.VersionP2SHTestnet {
		return payload.NetworkTestnet
	}

	return payload.NetworkMainnet
}

func networkName(b byte) Network {

	if b == payload.NetworkTestnet {
		return Testnet
	}

	return Mainnet
}
