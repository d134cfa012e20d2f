/*
Package idbconfig holds the construction options for an Engine plus the
YAML schema-apply document format the administrative CLI reads. Nothing
here is process-global: a Config is built by the caller and handed to
idb.New, the same way warren's manager.Config is built by a caller and
handed to manager.NewManager rather than read from a package var.
*/
package idbconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/idb/pkg/idblog"
)

// Config collects the tunables for one Engine: logging, and the SQLite
// backend's connection pool. A zero Config is valid: the SQLite pool
// uses idbsql's defaults and logging goes to stdout at info level in
// console format.
type Config struct {
	Log   idblog.Config `yaml:"log"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// SQLiteConfig tunes the mattn/go-sqlite3-backed backend's handle pool.
type SQLiteConfig struct {
	// MaxPoolSize caps how many database file handles idbsql keeps open
	// at once; opening a database beyond the cap evicts the
	// least-recently-used handle no connection references. Zero means
	// use idbsql's own default.
	MaxPoolSize int `yaml:"maxPoolSize"`
	// BusyTimeoutMS is the SQLite busy_timeout pragma, in milliseconds.
	BusyTimeoutMS int `yaml:"busyTimeoutMs"`
}

// Load reads a Config from a YAML file, for callers that want to keep
// engine tuning declarative rather than building a Config by hand.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("idbconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("idbconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// SchemaDocument is the YAML shape idbctl apply consumes: a database name plus the object stores and indexes it should
// have, grounded in warren's cmd/warren/apply.go WarrenResource document
// (apiVersion/kind/metadata/spec), trimmed to the one resource kind this
// engine's administrative surface needs.
type SchemaDocument struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   SchemaMetadata `yaml:"metadata"`
	Spec       SchemaSpec     `yaml:"spec"`
}

type SchemaMetadata struct {
	Name string `yaml:"name"`
}

type SchemaSpec struct {
	Version uint64           `yaml:"version"`
	Stores  []StoreDocument  `yaml:"stores"`
}

type StoreDocument struct {
	Name          string          `yaml:"name"`
	KeyPath       []string        `yaml:"keyPath,omitempty"`
	AutoIncrement bool            `yaml:"autoIncrement"`
	Indexes       []IndexDocument `yaml:"indexes,omitempty"`
}

type IndexDocument struct {
	Name       string   `yaml:"name"`
	KeyPath    []string `yaml:"keyPath"`
	Unique     bool     `yaml:"unique"`
	MultiEntry bool     `yaml:"multiEntry"`
}

// LoadSchema parses a SchemaDocument from a YAML file and validates the
// resource kind, mirroring the switch-on-Kind dispatch in warren's
// cmd/warren/apply.go before any store/index is touched.
func LoadSchema(path string) (SchemaDocument, error) {
	var doc SchemaDocument
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("idbconfig: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("idbconfig: parsing %s: %w", path, err)
	}
	if doc.Kind != "" && doc.Kind != "Database" {
		return doc, fmt.Errorf("idbconfig: unsupported resource kind %q", doc.Kind)
	}
	if doc.Metadata.Name == "" {
		return doc, fmt.Errorf("idbconfig: metadata.name is required")
	}
	return doc, nil
}
