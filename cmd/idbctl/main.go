package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/idb/pkg/idblog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "idbctl",
	Short: "idbctl - administrative tool for SQLite-backed idb database files",
	Long: `idbctl inspects and maintains the .sqlite files produced by the
idb engine's SQLite backend directly, without going through the engine's
asynchronous request/transaction API.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(compactCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	idblog.Init(idblog.Config{
		Level:      idblog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
