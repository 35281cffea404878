// Package commands defines the fleetbroker CLI.
package commands

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/seantiz/fleetbroker/internal/config"
)

const configFlag = "config"

// Root returns the root command for the fleetbroker CLI.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetbroker",
		Short:         "Broker scheduler capacity requests onto cloud providers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(Serve())
	cmd.AddCommand(Templates())
	cmd.AddCommand(Version())

	return cmd
}

// addConfigFlags registers the configuration flags and --config on flags.
func addConfigFlags(flags *flag.FlagSet) {
	config.RegisterFlags(flags)
	flags.StringP(configFlag, "c", "", "YAML config file")
}

// loadConfig builds the configuration from the command's flags, the
// environment and the optional config file.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	file, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return config.Config{}, err
	}
	v, err := config.NewViper(cmd.Flags(), file)
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(v)
}
