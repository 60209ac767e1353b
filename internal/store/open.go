// Package store opens the record store selected by configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/oregate/internal/store/filestore"
	"github.com/MarkoPoloResearchLab/oregate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/oregate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverFile = "file"
	DriverGorm = "gorm"
	DriverPgx  = "pgx"

	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"

	defaultSQLiteFile    = "oregate.db"
	directoryPermissions = 0o755
)

// Options selects and locates a store.
type Options struct {
	Driver string
	URL    string
	// FileSystem backs the flat-file driver. Nil means the OS filesystem.
	FileSystem afero.Fs
}

// Open returns the store for options. SQL stores get their schema created.
func Open(ctx context.Context, options Options, log *zap.Logger) (budget.Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case DriverFile, "":
		log.Info("opening flat-file store", zap.String("directory", options.URL))
		fileStore, err := filestore.New(options.FileSystem, options.URL, filestore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return fileStore, nil
	case DriverGorm:
		db, dialect, err := OpenDatabase(ctx, options.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", budget.ErrStoreUnavailable, err)
		}
		log.Info("opening gorm store", zap.String("dialect", dialect))
		gormStore := gormstore.New(db)
		if err := gormStore.Migrate(ctx); err != nil {
			_ = gormStore.Close()
			return nil, err
		}
		return gormStore, nil
	case DriverPgx:
		log.Info("opening pgx store")
		pgStore, err := pgstore.Open(ctx, options.URL)
		if err != nil {
			return nil, err
		}
		if err := pgStore.EnsureSchema(ctx); err != nil {
			_ = pgStore.Close()
			return nil, err
		}
		return pgStore, nil
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", budget.ErrInvalidConfig, options.Driver)
	}
}

// OpenDatabase opens a gorm connection for a postgres:// or sqlite:// URL; any
// other value is treated as a sqlite file path.
func OpenDatabase(ctx context.Context, dsn string) (*gorm.DB, string, error) {
	dialect, sqlitePath, err := ResolveDialect(dsn)
	if err != nil {
		return nil, "", err
	}

	var (
		db     *gorm.DB
		config = &gorm.Config{Logger: logger.Discard}
	)
	switch dialect {
	case dialectPostgres:
		db, err = gorm.Open(postgres.Open(dsn), config)
	case dialectSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), config)
	default:
		return nil, "", fmt.Errorf("unsupported database scheme %q", dialect)
	}
	if err != nil {
		return nil, "", err
	}
	return db.WithContext(ctx), dialect, nil
}

// ResolveDialect picks the gorm dialect for dsn and, for sqlite, the file path.
func ResolveDialect(dsn string) (string, string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", "", errors.New("database url is required")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialectPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return dialectSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return dialectSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), directoryPermissions); err != nil {
		return "", err
	}
	return path, nil
}
