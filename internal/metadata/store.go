// Package metadata persists the adapter's local view of the remote
// repository tree plus the 115 token pair in an embedded SQLite database.
// Two write shapes exist for the file_nodes table and they are not
// interchangeable: ReplaceChildren swaps a whole directory listing inside
// one transaction, UpsertNode surgically updates a single row without
// touching siblings. Post-upload reconciliation must use the latter.
package metadata

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// cacheSizePages is the SQLite cache_size pragma value; negative means KiB,
// so -256000 is ~256 MiB of page cache.
const cacheSizePages = -256000

// mmapSize maps up to 1 GB of the database file into memory.
const mmapSize = 1_000_000_000

// Store wraps the SQLite database holding the tokens singleton and the
// file-node cache. Use ":memory:" as the path for tests.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	nodeStmts  nodeStatements
	pathStmts  pathStatements
	tokenStmts tokenStatements
}

type nodeStatements struct {
	upsert, delete, children, findChild, siblingsNamed, hasChildren, deleteChildren *sql.Stmt
}

type pathStatements struct {
	get, save, delete, clear *sql.Stmt
}

type tokenStatements struct {
	load, save *sql.Stmt
}

// Open opens (or creates) the database at dbPath, applies pragmas and
// migrations, and prepares all repeated statements.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening metadata database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and a large read cache.
// The cache favours warm-cache listings of the 256 data shards.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA cache_size = %d", cacheSizePages),
		fmt.Sprintf("PRAGMA mmap_size = %d", mmapSize),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("metadata: %s: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("metadata: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("metadata: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("metadata: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.nodeStmts.upsert, sqlUpsertNode},
		{&s.nodeStmts.delete, sqlDeleteNode},
		{&s.nodeStmts.children, sqlChildren},
		{&s.nodeStmts.findChild, sqlFindChild},
		{&s.nodeStmts.siblingsNamed, sqlSiblingsNamed},
		{&s.nodeStmts.hasChildren, sqlHasChildren},
		{&s.nodeStmts.deleteChildren, sqlDeleteChildren},
		{&s.pathStmts.get, sqlGetPath},
		{&s.pathStmts.save, sqlSavePath},
		{&s.pathStmts.delete, sqlDeletePath},
		{&s.pathStmts.clear, sqlClearPaths},
		{&s.tokenStmts.load, sqlLoadToken},
		{&s.tokenStmts.save, sqlSaveToken},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", st.sql, err)
		}

		*st.dst = prepared
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("metadata: closing database: %w", err)
	}

	return nil
}
