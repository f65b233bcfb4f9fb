package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// maxCASAttempts bounds the optimistic retry loop of SQL and Redis blob stores.
const maxCASAttempts = 16

// errCASConflict is returned when every compare-and-swap attempt lost a race.
var errCASConflict = errors.New("blob update conflicted on every attempt")

// SQLBlobStore keeps blobs in a SQLite or PostgreSQL table. Each row carries
// a version; Update is a compare-and-swap on that version, retried on conflict,
// so writers in different processes sharing one database never clobber each
// other.
type SQLBlobStore struct {
	db         *sql.DB
	isPostgres bool
}

// SQLBlobConfig configures the SQL blob store.
type SQLBlobConfig struct {
	// DSN is the data-source name. When it starts with "postgres://" or
	// "postgresql://", the PostgreSQL backend (pgx) is used; otherwise the
	// value is treated as a SQLite file path.
	DSN string
}

// IsPostgres reports whether the store is backed by PostgreSQL.
func (s *SQLBlobStore) IsPostgres() bool { return s.isPostgres }

// rebind rewrites a query that uses ? placeholders into one using $N
// placeholders when the store is backed by PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewSQLBlobStore opens the database and creates the blob table.
func NewSQLBlobStore(cfg SQLBlobConfig) (*SQLBlobStore, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "audit.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error

	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create audit directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open audit database: %w", err)
		}
		// One connection keeps the pragmas below in effect and serializes
		// writers inside this process.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := createBlobTable(db, isPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLBlobStore{db: db, isPostgres: isPostgres}, nil
}

func createBlobTable(db *sql.DB, isPostgres bool) error {
	valueType := "BLOB"
	if isPostgres {
		valueType = "BYTEA"
	}
	_, err := db.Exec(fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS audit_blobs (
		blob_key TEXT PRIMARY KEY,
		value %s NOT NULL,
		version BIGINT NOT NULL
	);
	`, valueType))
	return err
}

func (s *SQLBlobStore) Load(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

// get returns the blob and its version; version 0 means the key is absent.
func (s *SQLBlobStore) get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.db.QueryRowContext(ctx,
		rebind(s.isPostgres, `SELECT value, version FROM audit_blobs WHERE blob_key = ?`), key,
	).Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("select blob: %w", err)
	}
	return value, version, nil
}

func (s *SQLBlobStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}

		var res sql.Result
		if version == 0 {
			res, err = s.db.ExecContext(ctx, rebind(s.isPostgres, `
				INSERT INTO audit_blobs (blob_key, value, version) VALUES (?, ?, 1)
				ON CONFLICT (blob_key) DO NOTHING
			`), key, next)
		} else {
			res, err = s.db.ExecContext(ctx, rebind(s.isPostgres, `
				UPDATE audit_blobs SET value = ?, version = version + 1
				WHERE blob_key = ? AND version = ?
			`), next, key, version)
		}
		if err != nil {
			return fmt.Errorf("write blob: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return errCASConflict
}

func (s *SQLBlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `DELETE FROM audit_blobs WHERE blob_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLBlobStore) Close() error {
	return s.db.Close()
}
