package main

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "udp",
	Short: "UDP conversation engine over a loopback network layer",
	Long: `udp runs the UDP conversation engine on a loopback network layer.
Datagrams written by one conversation come back in through IP input, so both
ends of an exchange, ICMP port unreachable advisories included, run in one
process.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")

	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(unreachCmd)
	rootCmd.AddCommand(configCmd)
}
