package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/ocapkernel/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ocapkernel",
	Short: "ocapkernel - a single-process object-capability kernel",
	Long: `ocapkernel runs vats as isolated compartments communicating only
through capabilities: krefs translated per-vat through a clist, messages
pipelined through promises, and garbage collected by reachability. This
binary both runs the kernel daemon (start) and drives one as an
operator, the same split cmd/warren's cluster/manager and client-facing
commands followed.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ocapkernel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("facade-network", "unix", "Facade transport: unix or tcp")
	rootCmd.PersistentFlags().String("facade-addr", defaultFacadeSocket(), "Facade address (socket path for unix, host:port for tcp)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(vatCmd)
	rootCmd.AddCommand(subclusterCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(clearStateCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(urlCmd)
	rootCmd.AddCommand(applyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultFacadeSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/ocapkernel.sock"
	}
	return home + "/.ocapkernel/facade.sock"
}
