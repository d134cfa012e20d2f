package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbsql"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Print committed version, store/index metadata, and record counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if _, err := os.Stat(path); err != nil {
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
		defer backend.Close()

		return inspectDatabase(backend, name)
	},
}

func inspectDatabase(backend *idbsql.Backend, name string) error {
	conn, err := backend.Open(name)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", name, err)
	}
	defer conn.Close()
	meta, err := conn.Metadata()
	if err != nil {
		return fmt.Errorf("reading metadata for %s: %w", name, err)
	}
	fmt.Printf("Database: %s (version %d)\n", name, meta.Version)

	tx, err := conn.BeginTransaction(nil, idbbackend.ReadOnly)
	if err != nil {
		return fmt.Errorf("beginning read transaction on %s: %w", name, err)
	}
	defer tx.Abort()

	for storeName, store := range meta.Stores {
		count, err := tx.Count(storeName, idbbackend.Unbounded())
		if err != nil {
			return fmt.Errorf("counting records in %s: %w", storeName, err)
		}
		autoInc := ""
		if store.AutoIncrement {
			autoInc = fmt.Sprintf(" autoIncrement(current=%v)", store.CurrentKey)
		}
		fmt.Printf("  store %q keyPath=%v%s records=%d\n", storeName, store.KeyPath, autoInc, count)
		for _, idx := range meta.Indexes {
			if idx.StoreName != storeName {
				continue
			}
			fmt.Printf("    index %q keyPath=%v unique=%v multiEntry=%v\n", idx.Name, idx.KeyPath, idx.Unique, idx.MultiEntry)
		}
	}
	return nil
}
