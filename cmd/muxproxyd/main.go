// Command muxproxyd is the multiplexing MCP proxy entrypoint: it loads
// configuration, spawns the backend supervisor and plugin pools, and
// serves client requests over stdio using the proxy dispatcher.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	dataDir    string
	logLevel   string

	version = "0.1.0" // injected by -ldflags at build time
)

// Exit codes from spec.md section 6: "0 normal shutdown, non-zero if
// initialization of a required backend never succeeds within its restart
// budget AND the operator has marked it required."
const (
	ExitCodeSuccess            = 0
	ExitCodeRequiredBackendGone = 1
	ExitCodeConfigError        = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "muxproxyd",
		Short:   "Multiplexing proxy for the Model Context Protocol",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory for persisted state (default: ~/.muxproxy)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateConfigCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var required *requiredBackendError
	if errors.As(err, &required) {
		return ExitCodeRequiredBackendGone
	}
	return ExitCodeConfigError
}
