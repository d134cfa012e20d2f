package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/idb/internal/idbsql"
)

var compactCmd = &cobra.Command{
	Use:   "compact FILE",
	Short: "Reclaim space left by deleted records via VACUUM",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		before, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("statting %s: %w", path, err)
		}
		name, err := idbsql.DatabaseNameFromFile(path)
		if err != nil {
			return err
		}

		backend, err := idbsql.Open(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}

		if err := backend.Compact(name); err != nil {
			backend.Close()
			return fmt.Errorf("compacting %s: %w", path, err)
		}

		if err := backend.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", path, err)
		}

		after, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("statting %s: %w", path, err)
		}

		fmt.Printf("%s: %d bytes -> %d bytes (reclaimed %d bytes)\n", path, before.Size(), after.Size(), before.Size()-after.Size())
		return nil
	},
}
