package idb

import (
	"net/url"
	"path"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/idb/internal/idbbackend"
	"github.com/cuemby/idb/internal/idbengine"
	"github.com/cuemby/idb/internal/idberr"
	"github.com/cuemby/idb/internal/idbkey"
	"github.com/cuemby/idb/internal/idbmem"
	"github.com/cuemby/idb/internal/idbsql"
	"github.com/cuemby/idb/pkg/idbconfig"
	"github.com/cuemby/idb/pkg/idblog"
)

// BackendFactory builds a idbbackend.Backend for one locator (a
// directory path for the sqlite scheme, ignored for the mem scheme). It
// is called at most once per distinct (scheme, locator) pair; the
// Backend it returns is cached and reused for every database name
// opened under that locator — each name still gets its own storage (its
// own file, for sqlite) inside the locator.
type BackendFactory func(locator string) (idbbackend.Backend, error)

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's logger. Defaults to idblog.Logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBackendFactory registers (or replaces) the factory used for DSNs
// with the given scheme.
func WithBackendFactory(scheme string, f BackendFactory) Option {
	return func(e *Engine) { e.factories[scheme] = f }
}

// WithConfig applies an idbconfig.Config: it sets the logger per
// cfg.Log and replaces the default sqlite:// factory with one that
// opens files using cfg.SQLite's pool tuning. Call before any other
// option that also touches the "sqlite" factory or logger, since
// options apply in order.
func WithConfig(cfg idbconfig.Config) Option {
	return func(e *Engine) {
		e.logger = idblog.New(cfg.Log)
		e.factories["sqlite"] = func(locator string) (idbbackend.Backend, error) {
			return idbsql.OpenWithPool(locator, cfg.SQLite.MaxPoolSize, cfg.SQLite.BusyTimeoutMS)
		}
	}
}

// Engine owns the backend registry and the request/transaction core.
// It carries no package-level state: every database this process opens
// flows through an explicit Engine value, per the engine-scoped
// configuration the ambient stack calls for.
type Engine struct {
	logger    zerolog.Logger
	factories map[string]BackendFactory

	mu       sync.Mutex
	backends map[string]idbbackend.Backend // keyed by scheme + "\x00" + locator

	core *idbengine.Core
}

// New constructs an Engine with the default mem:// and sqlite:// backend
// factories, then applies opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:   idblog.Logger,
		factories: map[string]BackendFactory{
			"mem": func(locator string) (idbbackend.Backend, error) {
				return idbmem.New(), nil
			},
			"sqlite": func(locator string) (idbbackend.Backend, error) {
				return idbsql.Open(locator)
			},
		},
		backends: make(map[string]idbbackend.Backend),
	}
	for _, o := range opts {
		o(e)
	}
	e.core = idbengine.NewCore(idblog.WithComponent(e.logger, "idbengine"))
	return e
}

// OpenOptions configures a single Open call.
type OpenOptions struct {
	// Version is the requested schema version. Nil defaults to the
	// database's current committed version (or 1, for a new database).
	Version *uint64
	// OnUpgradeNeeded runs inside a versionchange transaction when
	// Version is higher than the committed version. Required whenever
	// Version may exceed what is already committed.
	OnUpgradeNeeded func(tx *Transaction, oldVersion, newVersion uint64) error
	// OnBlocked is called if other connections to the same database are
	// still open when an upgrade is requested; Open then waits for them
	// to close before proceeding.
	OnBlocked func()
}

// Open opens (creating if necessary) the database named by dsn.
func (e *Engine) Open(dsn string, opts OpenOptions) (*Connection, error) {
	scheme, locator, name, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	backend, err := e.backendFor(scheme, locator)
	if err != nil {
		return nil, err
	}

	onUpgrade := func(tx *idbengine.Transaction, meta idbbackend.DatabaseMeta, oldVersion, newVersion uint64) error {
		if opts.OnUpgradeNeeded == nil {
			return nil
		}
		wrapped := newTransaction(nil, tx, meta)
		return opts.OnUpgradeNeeded(wrapped, oldVersion, newVersion)
	}

	engineConn, err := e.core.OpenDatabase(backend, name, opts.Version, onUpgrade, opts.OnBlocked)
	if err != nil {
		return nil, err
	}
	return &Connection{engine: e, conn: engineConn}, nil
}

// DeleteDatabase deletes the database named by dsn entirely, waiting for
// any open connections to close first.
func (e *Engine) DeleteDatabase(dsn string, onBlocked func()) error {
	scheme, locator, name, err := parseDSN(dsn)
	if err != nil {
		return err
	}
	backend, err := e.backendFor(scheme, locator)
	if err != nil {
		return err
	}
	return e.core.DeleteDatabase(backend, name, onBlocked)
}

// Databases lists every database (name, version) held by the backend
// serving scheme+locator.
func (e *Engine) Databases(scheme, locator string) ([]idbbackend.DatabaseInfo, error) {
	backend, err := e.backendFor(scheme, locator)
	if err != nil {
		return nil, err
	}
	return backend.ListDatabases()
}

// Cmp compares two IndexedDB key values the same way the engine orders
// them internally, returning -1, 0, or 1.
func Cmp(a, b interface{}) (int, error) {
	ka, err := idbkey.FromGo(a)
	if err != nil {
		return 0, err
	}
	kb, err := idbkey.FromGo(b)
	if err != nil {
		return 0, err
	}
	return idbkey.Compare(ka, kb), nil
}

func (e *Engine) backendFor(scheme, locator string) (idbbackend.Backend, error) {
	key := scheme + "\x00" + locator
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.backends[key]; ok {
		return b, nil
	}
	factory, ok := e.factories[scheme]
	if !ok {
		return nil, idberr.Newf(idberr.Data, "no backend registered for scheme %q", scheme)
	}
	b, err := factory(locator)
	if err != nil {
		return nil, err
	}
	e.backends[key] = b
	return b, nil
}

// Close releases every backend this engine has opened.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, b := range e.backends {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.backends = make(map[string]idbbackend.Backend)
	return firstErr
}

// parseDSN splits a DSN into its backend scheme, a locator identifying
// the storage medium (ignored for mem://, a directory path for
// sqlite:// — each database gets its own URL-encoded .sqlite file
// inside it), and the logical database name.
func parseDSN(dsn string) (scheme, locator, name string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", "", idberr.Wrap(idberr.Data, "invalid database DSN", err)
	}
	scheme = u.Scheme
	switch scheme {
	case "mem":
		name = u.Host
		if name == "" {
			name = u.Opaque
		}
		locator = ""
	case "sqlite":
		locator = u.Path
		name = u.Query().Get("name")
		if name == "" {
			// "sqlite:///var/lib/app/cart" reads as database "cart" in
			// directory /var/lib/app.
			name = path.Base(locator)
			locator = path.Dir(locator)
		}
	default:
		return "", "", "", idberr.Newf(idberr.Data, "unsupported database scheme %q", scheme)
	}
	if name == "" || name == "." || name == "/" {
		return "", "", "", idberr.New(idberr.Data, "database DSN names no database")
	}
	return scheme, locator, name, nil
}

// Ptr is a small convenience for building *uint64 version literals
// inline, since Go has no address-of-literal syntax.
func Ptr(v uint64) *uint64 { return &v }
