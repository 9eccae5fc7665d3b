// Package cmd implements the mcp-nexus command-line entrypoint: a single
// long-running "serve" process that exposes CDB sessions over MCP.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:     "mcp-nexus",
	Short:   "An MCP server mediating AI clients and the Windows console debugger",
	Long: `mcp-nexus bridges an MCP-speaking AI client to one or more isolated CDB
(Windows console debugger) sessions, each with its own command queue,
timeout supervision, health monitoring, and automatic recovery.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./.mcp-nexus/config.yaml or ~/.config/mcp-nexus/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug-level logging (also: MCPNEXUS_DEBUG=1)")
	rootCmd.Flags().String("cdb-path", "", "path to cdb.exe (overrides config)")
	rootCmd.Flags().String("addr", "", "HTTP address to additionally listen on (overrides config)")

	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string, normally injected via ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func loadConfig() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg = loaded

	if flagPath, _ := rootCmd.Flags().GetString("cdb-path"); flagPath != "" {
		cfg.CDBPath = flagPath
	}
	if flagAddr, _ := rootCmd.Flags().GetString("addr"); flagAddr != "" {
		cfg.Transport.HTTPAddr = flagAddr
	}
	return nil
}

func isDebug() bool {
	return os.Getenv("MCPNEXUS_DEBUG") != "" || debugFlag
}
