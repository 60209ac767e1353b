// Package filestore keeps one small text file per entity. The first line of a
// file holds the entity's points; anything after it is ignored.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	temporarySuffix      = ".tmp"
	filePermissions      = 0o644
	directoryPermissions = 0o755

	errorOperationStore = "store"
	errorSubjectRecord  = "record"
	errorSubjectFolder  = "folder"
	errorCodeCreate     = "create"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeWrite      = "write"
)

// Store implements budget.Store on a directory of per-entity files.
type Store struct {
	fileSystem afero.Fs
	directory  string
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger receives a warning for every file a listing has to skip.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// New returns a Store rooted at directory, creating it when missing.
// A nil filesystem means the OS filesystem.
func New(fileSystem afero.Fs, directory string, options ...Option) (*Store, error) {
	if fileSystem == nil {
		fileSystem = afero.NewOsFs()
	}
	if strings.TrimSpace(directory) == "" {
		return nil, wrapStoreError(errorSubjectFolder, errorCodeInvalid, fmt.Errorf("%w: empty directory", budget.ErrStoreUnavailable))
	}
	if err := fileSystem.MkdirAll(directory, directoryPermissions); err != nil {
		return nil, wrapStoreError(errorSubjectFolder, errorCodeCreate, errors.Join(budget.ErrStoreUnavailable, err))
	}
	store := &Store{fileSystem: fileSystem, directory: directory, logger: zap.NewNop()}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

func (store *Store) Load(_ context.Context, entityID budget.EntityID) (budget.Record, error) {
	raw, err := afero.ReadFile(store.fileSystem, store.path(entityID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, budget.ErrRecordNotFound)
		}
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	points, err := parsePoints(raw)
	if err != nil {
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeInvalid, fmt.Errorf("%w: %s: %v", budget.ErrInvalidRecord, entityID, err))
	}
	return budget.Record{EntityID: entityID, Points: points}, nil
}

// Save replaces the entity's file through a temporary file and a rename.
func (store *Store) Save(_ context.Context, record budget.Record) error {
	if record.EntityID.IsZero() {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, budget.ErrInvalidEntityID)
	}
	target := store.path(record.EntityID)
	temporary := target + temporarySuffix
	content := strconv.FormatInt(record.Points.Int64(), 10) + "\n"
	if err := afero.WriteFile(store.fileSystem, temporary, []byte(content), filePermissions); err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeWrite, err)
	}
	if err := store.fileSystem.Rename(temporary, target); err != nil {
		_ = store.fileSystem.Remove(temporary)
		return wrapStoreError(errorSubjectRecord, errorCodeWrite, err)
	}
	return nil
}

// InsertRecord writes a record only when the entity has no file yet.
func (store *Store) InsertRecord(ctx context.Context, record budget.Record) error {
	if record.EntityID.IsZero() {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, budget.ErrInvalidEntityID)
	}
	exists, err := afero.Exists(store.fileSystem, store.path(record.EntityID))
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	if exists {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, budget.ErrRecordExists)
	}
	return store.Save(ctx, record)
}

// ListRecords reads every entity file, sorted by entity id. Unreadable files
// are skipped with a warning.
func (store *Store) ListRecords(ctx context.Context) ([]budget.Record, error) {
	records, _, err := store.ScanRecords(ctx)
	return records, err
}

// ScanRecords reads every entity file, sorted by entity id, and returns the
// names of files that could not be decoded.
func (store *Store) ScanRecords(ctx context.Context) ([]budget.Record, []string, error) {
	infos, err := afero.ReadDir(store.fileSystem, store.directory)
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectFolder, errorCodeList, err)
	}
	records := make([]budget.Record, 0, len(infos))
	var unreadable []string
	for _, info := range infos {
		if info.IsDir() || strings.HasSuffix(info.Name(), temporarySuffix) {
			continue
		}
		record, err := store.loadFile(ctx, info.Name())
		if err != nil {
			store.logger.Warn("skipping unreadable record file",
				zap.String("file", info.Name()),
				zap.Error(err))
			unreadable = append(unreadable, info.Name())
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].EntityID.String() < records[right].EntityID.String()
	})
	sort.Strings(unreadable)
	return records, unreadable, nil
}

func (store *Store) loadFile(ctx context.Context, fileName string) (budget.Record, error) {
	name, err := url.PathUnescape(fileName)
	if err != nil {
		return budget.Record{}, err
	}
	entityID, err := budget.NewEntityID(name)
	if err != nil {
		return budget.Record{}, err
	}
	return store.Load(ctx, entityID)
}

// Close is a no-op: files are never held open between calls.
func (store *Store) Close() error {
	return nil
}

func (store *Store) path(entityID budget.EntityID) string {
	return filepath.Join(store.directory, url.PathEscape(entityID.String()))
}

func parsePoints(raw []byte) (budget.Points, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	if !scanner.Scan() {
		return 0, errors.New("empty file")
	}
	value, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil {
		return 0, err
	}
	return budget.Points(value), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return budget.WrapError(errorOperationStore, subject, code, err)
}
