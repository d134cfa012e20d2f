package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbsql"
	"github.com/cuemby/idb/pkg/idbconfig"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Declaratively create databases/stores/indexes from a YAML document",
	Long: `Apply a database schema document against a SQLite-backed file.

Examples:
  # Apply a store layout to a database file
  idbctl apply -f schema.yaml --db cart.sqlite`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML schema document to apply (required)")
	applyCmd.Flags().String("db", "", "SQLite database file (required)")
	_ = applyCmd.MarkFlagRequired("file")
	_ = applyCmd.MarkFlagRequired("db")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dbPath, _ := cmd.Flags().GetString("db")

	doc, err := idbconfig.LoadSchema(filename)
	if err != nil {
		return err
	}

	fileName, err := idbsql.DatabaseNameFromFile(dbPath)
	if err != nil {
		return err
	}
	if fileName != doc.Metadata.Name {
		return fmt.Errorf("schema document names database %q but %s holds database %q", doc.Metadata.Name, dbPath, fileName)
	}

	backend, err := idbsql.Open(filepath.Dir(dbPath))
	if err != nil {
		return fmt.Errorf("opening %s: %w", dbPath, err)
	}
	defer backend.Close()

	conn, err := backend.Open(doc.Metadata.Name)
	if err != nil {
		return fmt.Errorf("opening database %s: %w", doc.Metadata.Name, err)
	}
	defer conn.Close()
	meta, err := conn.Metadata()
	if err != nil {
		return fmt.Errorf("reading metadata for %s: %w", doc.Metadata.Name, err)
	}
	if doc.Spec.Version != 0 && doc.Spec.Version <= meta.Version {
		fmt.Printf("database %s is already at version %d (requested %d); nothing to do\n", doc.Metadata.Name, meta.Version, doc.Spec.Version)
		return nil
	}

	tx, err := conn.BeginTransaction(nil, idbbackend.VersionChange)
	if err != nil {
		return fmt.Errorf("beginning versionchange transaction: %w", err)
	}

	if err := applyStores(tx, meta, doc.Spec.Stores); err != nil {
		_ = tx.Abort()
		return err
	}
	if doc.Spec.Version != 0 {
		if err := tx.SetVersion(doc.Spec.Version); err != nil {
			_ = tx.Abort()
			return fmt.Errorf("recording version %d: %w", doc.Spec.Version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing schema: %w", err)
	}

	fmt.Printf("database %s: applied %d store(s)\n", doc.Metadata.Name, len(doc.Spec.Stores))
	return nil
}

func applyStores(tx idbbackend.Tx, meta idbbackend.DatabaseMeta, stores []idbconfig.StoreDocument) error {
	for _, s := range stores {
		if _, exists := meta.Stores[s.Name]; exists {
			fmt.Printf("  store %q already exists, skipping\n", s.Name)
		} else {
			fmt.Printf("  creating store %q\n", s.Name)
			if err := tx.CreateObjectStore(idbbackend.StoreMeta{
				Name:          s.Name,
				KeyPath:       s.KeyPath,
				AutoIncrement: s.AutoIncrement,
			}); err != nil {
				return fmt.Errorf("creating store %s: %w", s.Name, err)
			}
		}
		for _, idx := range s.Indexes {
			key := s.Name + "\x00" + idx.Name
			if _, exists := meta.Indexes[key]; exists {
				fmt.Printf("    index %q already exists, skipping\n", idx.Name)
				continue
			}
			fmt.Printf("    creating index %q\n", idx.Name)
			if err := tx.CreateIndex(idbbackend.IndexMeta{
				Name:       idx.Name,
				StoreName:  s.Name,
				KeyPath:    idx.KeyPath,
				Unique:     idx.Unique,
				MultiEntry: idx.MultiEntry,
			}); err != nil {
				return fmt.Errorf("creating index %s on %s: %w", idx.Name, s.Name, err)
			}
		}
	}
	return nil
}
