// Package cli implements the confmesh command line client.
package cli

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/confmesh/confmesh/internal/ui"
)

var serverURL string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "confmesh",
	Short:   "Terminal client for confmesh group calling rooms",
	Long:    `confmesh is a command-line client for the confmesh signaling server. It joins conference rooms, follows participants and presentations as they come and go, and inspects room occupancy across the server.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "confmesh server base URL")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
