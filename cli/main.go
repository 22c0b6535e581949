package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lattice "github.com/schjonhaug/lattice-go"
)

const (
	addrFlag       = "addr"
	stateFlag      = "state"
	passphraseFlag = "passphrase"
	deviceFlag     = "device"
	nameFlag       = "name"
	timeoutFlag    = "timeout"
	debugFlag      = "debug"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root, err := newRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() (*cobra.Command, error) {

	root := &cobra.Command{
		Use:           "lattice",
		Short:         "Pair with and sign on a lattice device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool(debugFlag) {
				lattice.EnableDebugLogging()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.String(addrFlag, "/tmp/lattice.sock", "device socket, a unix path or host:port")
	flags.String(stateFlag, defaultStatePath(), "pairing record file")
	flags.String(passphraseFlag, "", "passphrase sealing the pairing record")
	flags.String(deviceFlag, "lattice-emulator", "device id")
	flags.String(nameFlag, lattice.DefaultConfig().Name, "app name shown on the device")
	flags.Duration(timeoutFlag, lattice.DefaultConfig().Timeout, "command timeout")
	flags.Bool(debugFlag, false, "log frames and state changes")

	viper.SetEnvPrefix("lattice")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	root.AddCommand(
		newEmulatorCommand(),
		newConnectCommand(),
		newPairCommand(),
		newAddressesCommand(),
		newSignEthereumCommand(),
		newSignBitcoinCommand(),
	)

	return root, nil
}

func defaultStatePath() string {

	dir, err := os.UserConfigDir()
	if err != nil {
		return "lattice-pairing.cbor"
	}

	return dir + "/lattice/pairing.cbor"
}

func transport() *lattice.SocketTransport {

	addr := viper.GetString(addrFlag)

	if strings.Contains(addr, "/") {
		return lattice.NewSocketTransport("unix", addr)
	}

	return lattice.NewSocketTransport("tcp", addr)
}

// connect returns a client connected to the configured device.
func connect(ctx context.Context) (*lattice.Client, bool, error) {

	config := lattice.DefaultConfig()
	config.Name = viper.GetString(nameFlag)
	config.Timeout = viper.GetDuration(timeoutFlag)
	config.Store = lattice.NewFileRecordStore(viper.GetString(stateFlag), viper.GetString(passphraseFlag))

	client, err := lattice.NewClient(transport(), config)
	if err != nil {
		return nil, false, err
	}

	paired, err := client.Connect(ctx, viper.GetString(deviceFlag))
	if err != nil {
		client.Close()
		return nil, false, err
	}

	return client, paired, nil
}
