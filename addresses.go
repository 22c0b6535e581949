package lattice

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/schjonhaug/lattice-go/internal/wire"
)

// MaxAddresses is the number of addresses the device derives per request.
const MaxAddresses = 10

type AddressRequest struct {
	Currency   Currency
	StartIndex uint32
	Count      uint32
	Version    AddressVersion // empty selects the currency default
}

func (r *AddressRequest) Validate() error {

	_, err := r.command()

	return err
}

func (r *AddressRequest) command() (*wire.AddressesCommand, error) {

	if err := checkCurrency(r.Currency); err != nil {
		return nil, err
	}

	if r.Count == 0 {
		return nil, ErrInvalidAddressCount
	}

	if r.Count > MaxAddresses {
		return nil, errors.Wrapf(ErrTooManyAddresses, "%d requested, at most %d", r.Count, MaxAddresses)
	}

	if uint64(r.StartIndex)+uint64(r.Count) > 1<<31 {
		return nil, errors.Wrapf(ErrTooManyAddresses, "index %d overflows non hardened range", r.StartIndex)
	}

	_, version, err := versionByte(r.Currency, r.Version)
	if err != nil {
		return nil, err
	}

	return &wire.AddressesCommand{
		Command:  wire.Command{Cmd: wire.CmdAddresses},
		Currency: string(r.Currency),
		Version:  version,
		Start:    r.StartIndex,
		Count:    uint8(r.Count),
	}, nil
}

// decode checks that the device returned exactly the requested number of
// addresses, all encoded under the requested version.
func (r *AddressRequest) decode(data *wire.AddressesData) ([]string, error) {

	if len(data.Addresses) != int(r.Count) {
		return nil, errors.Wrapf(ErrMalformedResponse, "%d addresses returned, %d requested", len(data.Addresses), r.Count)
	}

	_, version, err := versionByte(r.Currency, r.Version)
	if err != nil {
		return nil, err
	}

	for i, address := range data.Addresses {

		if r.Currency == ETH {

			if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
				return nil, errors.Wrapf(ErrMalformedResponse, "address %d %q is not an ethereum address", i, address)
			}

			continue
		}

		hash, decoded, err := base58.CheckDecode(address)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedResponse, "address %d %q: %v", i, address, err)
		}

		if decoded != version || len(hash) != 20 {
			return nil, errors.Wrapf(ErrMalformedResponse, "address %d %q has version %#x, expected %#x", i, address, decoded, version)
		}
	}

	return append([]string{}, data.Addresses...), nil
}
