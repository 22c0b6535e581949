package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	lattice "github.com/schjonhaug/lattice-go"
	"github.com/schjonhaug/lattice-go/emulator"
)

// removeStaleSocket deletes the socket file a previous emulator left behind.
func removeStaleSocket(path string) error {

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove stale socket %s", path)
	}

	return nil
}

func newEmulatorCommand() *cobra.Command {

	var secret, mnemonic string

	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Serve a software device on the configured socket",
		RunE: func(cmd *cobra.Command, args []string) error {

			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}

			device, err := emulator.New(viper.GetString(deviceFlag), secret, emulator.WithMnemonic(mnemonic), emulator.WithLogger(logger))
			if err != nil {
				return err
			}

			addr := viper.GetString(addrFlag)
			network := "tcp"

			if strings.Contains(addr, "/") {
				network = "unix"

				if err := removeStaleSocket(addr); err != nil {
					return err
				}
			}

			listener, err := net.Listen(network, addr)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s, pairing secret %s\n", device.ID(), addr, secret)

			return device.Serve(cmd.Context(), listener)
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "12345678", "pairing secret the device displays")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", emulator.DefaultMnemonic, "BIP-39 mnemonic seeding the device")

	return cmd
}

func newConnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect and report whether the device recognizes the pairing",
		RunE: func(cmd *cobra.Command, args []string) error {

			client, paired, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			fingerprint, _ := client.Fingerprint()

			fmt.Fprintf(cmd.OutOrStdout(), "fingerprint %s\npaired %t\n", fingerprint, paired)

			return nil
		},
	}
}

func newPairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pair SECRET",
		Short: "Pair with the device using the secret it displays",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {

			client, paired, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			if paired {
				fmt.Fprintln(cmd.OutOrStdout(), "already paired")
				return nil
			}

			fingerprint, _ := client.Fingerprint()
			fmt.Fprintf(cmd.OutOrStdout(), "pairing with %s\n", fingerprint)

			if err := client.Pair(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "paired")

			return nil
		},
	}
}

func newAddressesCommand() *cobra.Command {

	var (
		currency, version string
		start, count      uint32
	)

	cmd := &cobra.Command{
		Use:   "addresses",
		Short: "Derive addresses on the device",
		RunE: func(cmd *cobra.Command, args []string) error {

			request := lattice.AddressRequest{
				Currency:   lattice.Currency(strings.ToUpper(currency)),
				StartIndex: start,
				Count:      count,
				Version:    lattice.AddressVersion(strings.ToUpper(version)),
			}

			if err := request.Validate(); err != nil {
				return err
			}

			client, _, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			addresses, err := client.GetAddresses(cmd.Context(), request)
			if err != nil {
				return err
			}

			for _, address := range addresses {
				fmt.Fprintln(cmd.OutOrStdout(), address)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&currency, "currency", string(lattice.BTC), "BTC or ETH")
	cmd.Flags().StringVar(&version, "version", "", "address version, the currency default when empty")
	cmd.Flags().Uint32Var(&start, "start", 0, "first address index")
	cmd.Flags().Uint32Var(&count, "count", 1, "number of addresses")

	return cmd
}

func newSignEthereumCommand() *cobra.Command {

	var (
		request               lattice.EthereumSignRequest
		gasPrice, value, data string
	)

	cmd := &cobra.Command{
		Use:   "sign-eth",
		Short: "Sign an ethereum transaction",
		RunE: func(cmd *cobra.Command, args []string) error {

			var err error

			if request.GasPrice, err = parseAmount(gasPrice); err != nil {
				return errors.Wrap(err, "gas price")
			}

			if request.Value, err = parseAmount(value); err != nil {
				return errors.Wrap(err, "value")
			}

			if request.Data, err = hex.DecodeString(strings.TrimPrefix(data, "0x")); err != nil {
				return errors.Wrap(err, "data")
			}

			return sign(cmd, &request)
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&request.SignerIndex, "signer", 0, "address index of the signer")
	flags.Uint64Var(&request.Nonce, "nonce", 0, "transaction nonce")
	flags.StringVar(&gasPrice, "gas-price", "1000000000", "gas price in wei")
	flags.Uint64Var(&request.GasLimit, "gas", lattice.TransferGasLimit, "gas limit")
	flags.StringVar(&request.To, "to", "", "recipient address")
	flags.StringVar(&value, "value", "0", "value in wei")
	flags.StringVar(&data, "data", "", "calldata in hex")
	flags.StringVar(&request.Chain, "chain", "mainnet", "chain name or id")
	flags.BoolVar(&request.UseEIP155, "eip155", true, "bind the signature to the chain")

	return cmd
}

func newSignBitcoinCommand() *cobra.Command {

	var (
		request       lattice.BitcoinSignRequest
		inputs        []string
		changeVersion string
		network       string
	)

	cmd := &cobra.Command{
		Use:   "sign-btc",
		Short: "Sign a bitcoin transaction",
		RunE: func(cmd *cobra.Command, args []string) error {

			for _, input := range inputs {

				prevOut, err := parsePrevOut(input)
				if err != nil {
					return err
				}

				request.PrevOuts = append(request.PrevOuts, prevOut)
			}

			request.ChangeVersion = lattice.AddressVersion(strings.ToUpper(changeVersion))
			request.Network = lattice.Network(strings.ToUpper(network))

			return sign(cmd, &request)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVar(&inputs, "input", nil, "HASH:INDEX:VALUE:RECIPIENT_INDEX of a spent output, repeatable")
	flags.StringVar(&request.Recipient, "to", "", "recipient address")
	flags.Uint64Var(&request.Value, "value", 0, "value in satoshi")
	flags.Uint64Var(&request.Fee, "fee", 0, "fee in satoshi")
	flags.BoolVar(&request.IsSegwit, "segwit", true, "spend P2SH wrapped segwit outputs")
	flags.Uint32Var(&request.ChangeIndex, "change-index", 0, "change address index")
	flags.StringVar(&changeVersion, "change-version", "", "change address version")
	flags.StringVar(&network, "network", string(lattice.Mainnet), "MAINNET or TESTNET")

	return cmd
}

func sign(cmd *cobra.Command, request lattice.SignRequest) error {

	if err := request.Validate(); err != nil {
		return err
	}

	client, paired, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	if !paired {
		return lattice.ErrNotPaired
	}

	response, err := client.Sign(cmd.Context(), request)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "tx hash %x\nraw tx %x\n", response.TxHash, response.RawTx)

	if response.ChangeRecipient != "" {
		fmt.Fprintf(out, "change to %s\n", response.ChangeRecipient)
	}

	return nil
}

func parseAmount(s string) (*big.Int, error) {

	amount, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", s)
	}

	return amount, nil
}

func parsePrevOut(s string) (lattice.PrevOut, error) {

	var prevOut lattice.PrevOut

	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return prevOut, errors.Errorf("input %q is not HASH:INDEX:VALUE:RECIPIENT_INDEX", s)
	}

	if _, err := fmt.Sscanf(strings.Join(parts[1:], " "), "%d %d %d", &prevOut.OutputIndex, &prevOut.Value, &prevOut.RecipientIndex); err != nil {
		return prevOut, errors.Wrapf(err, "input %q", s)
	}

	prevOut.TxHash = parts[0]

	return prevOut, nil
}
