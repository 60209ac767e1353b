// Package pgstore persists budget records in PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintRecordEntity = "idx_budget_records_entity"
	pgUniqueViolationCode  = "23505"
	errorOperationStore    = "store"
	errorSubjectRecord     = "record"
	errorSubjectEntry      = "entry"
	errorSubjectSchema     = "schema"
	errorSubjectConnection = "connection"
	errorCodeConnect       = "connect"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeUpsert        = "upsert"

	sqlCreateRecords = `
		create table if not exists budget_records (
			record_id uuid primary key default gen_random_uuid(),
			entity_id text not null,
			points bigint not null,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)
	`

	sqlCreateRecordsIndex = `
		create unique index if not exists idx_budget_records_entity on budget_records(entity_id)
	`

	sqlCreateEntries = `
		create table if not exists budget_entries (
			entry_id uuid primary key default gen_random_uuid(),
			entity_id text not null,
			kind text not null,
			material text not null,
			cost bigint not null,
			points_after bigint not null,
			location jsonb not null,
			created_at timestamptz not null
		)
	`

	sqlCreateEntriesIndex = `
		create index if not exists idx_budget_entries_entity_created on budget_entries(entity_id, created_at)
	`

	sqlSelectRecord = `
		select entity_id, points from budget_records where entity_id = $1
	`

	sqlUpsertRecord = `
		insert into budget_records(entity_id, points) values($1, $2)
		on conflict (entity_id) do update set points = excluded.points, updated_at = now()
	`

	sqlInsertRecord = `
		insert into budget_records(entity_id, points) values($1, $2)
	`

	sqlListRecords = `
		select entity_id, points from budget_records order by entity_id
	`

	sqlInsertEntry = `
		insert into budget_entries(entity_id, kind, material, cost, points_after, location, created_at)
		values($1, $2, $3, $4, $5, $6::jsonb, to_timestamp($7))
	`

	sqlListEntries = `
		select entity_id, kind, material, cost, points_after, location, extract(epoch from created_at)::bigint
		from budget_entries
		where entity_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
}

type entryLocation struct {
	Zone string `json:"zone"`
	X    int64  `json:"x"`
	Y    int64  `json:"y"`
	Z    int64  `json:"z"`
}

// Store implements budget.Store using a pgx connection pool (autocommit).
type Store struct {
	db    querier
	close func()
}

// New returns a Store backed by a pgx pool. Close closes the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, close: pool.Close}
}

// Open connects a pool to the database URL.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, wrapStoreError(errorSubjectConnection, errorCodeConnect, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapStoreError(errorSubjectConnection, errorCodeConnect, errors.Join(budget.ErrStoreUnavailable, err))
	}
	return New(pool), nil
}

// EnsureSchema creates the budget tables when they are missing.
func (store *Store) EnsureSchema(ctx context.Context) error {
	for _, statement := range []string{sqlCreateRecords, sqlCreateRecordsIndex, sqlCreateEntries, sqlCreateEntriesIndex} {
		if _, err := store.db.Exec(ctx, statement); err != nil {
			return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
		}
	}
	return nil
}

func (store *Store) Load(ctx context.Context, entityID budget.EntityID) (budget.Record, error) {
	var (
		entityValue string
		points      int64
	)
	err := store.db.QueryRow(ctx, sqlSelectRecord, entityID.String()).Scan(&entityValue, &points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, budget.ErrRecordNotFound)
		}
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	record, err := mapRecord(entityValue, points)
	if err != nil {
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) Save(ctx context.Context, record budget.Record) error {
	if record.EntityID.IsZero() {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, budget.ErrInvalidEntityID)
	}
	if _, err := store.db.Exec(ctx, sqlUpsertRecord, record.EntityID.String(), record.Points.Int64()); err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeUpsert, err)
	}
	return nil
}

// InsertRecord creates a record and fails with budget.ErrRecordExists when the
// entity already has one.
func (store *Store) InsertRecord(ctx context.Context, record budget.Record) error {
	if record.EntityID.IsZero() {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, budget.ErrInvalidEntityID)
	}
	_, err := store.db.Exec(ctx, sqlInsertRecord, record.EntityID.String(), record.Points.Int64())
	if isRecordConflict(err) {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, budget.ErrRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListRecords(ctx context.Context) ([]budget.Record, error) {
	rows, err := store.db.Query(ctx, sqlListRecords)
	if err != nil {
		return nil, wrapStoreError(errorSubjectRecord, errorCodeList, err)
	}
	defer rows.Close()

	var records []budget.Record
	for rows.Next() {
		var (
			entityValue string
			points      int64
		)
		if err := rows.Scan(&entityValue, &points); err != nil {
			return nil, wrapStoreError(errorSubjectRecord, errorCodeList, err)
		}
		record, err := mapRecord(entityValue, points)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectRecord, errorCodeList, err)
	}
	return records, nil
}

func (store *Store) RecordEntry(ctx context.Context, entry budget.Entry) error {
	location := entryLocation{
		Zone: entry.Location.Zone.String(),
		X:    entry.Location.X,
		Y:    entry.Location.Y,
		Z:    entry.Location.Z,
	}
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntityID.String(),
		entry.Kind.String(),
		entry.Material.String(),
		entry.Cost.Int64(),
		entry.PointsAfter.Int64(),
		location,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, entityID budget.EntityID, limit int) ([]budget.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntries, entityID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	var entries []budget.Entry
	for rows.Next() {
		var (
			entityValue string
			kind        string
			material    string
			cost        int64
			pointsAfter int64
			location    entryLocation
			createdUnix int64
		)
		if err := rows.Scan(&entityValue, &kind, &material, &cost, &pointsAfter, &location, &createdUnix); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		parsedEntityID, err := budget.NewEntityID(entityValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		parsedMaterial, err := budget.NewMaterial(material)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, budget.Entry{
			EntityID:    parsedEntityID,
			Kind:        budget.EntryKind(kind),
			Material:    parsedMaterial,
			Cost:        budget.Points(cost),
			PointsAfter: budget.Points(pointsAfter),
			Location: budget.BlockLocation{
				Zone: budget.Zone(location.Zone),
				X:    location.X,
				Y:    location.Y,
				Z:    location.Z,
			},
			CreatedUnixUTC: createdUnix,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) Close() error {
	if store.close != nil {
		store.close()
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return budget.WrapError(errorOperationStore, subject, code, err)
}

func mapRecord(entityValue string, points int64) (budget.Record, error) {
	entityID, err := budget.NewEntityID(entityValue)
	if err != nil {
		return budget.Record{}, err
	}
	return budget.Record{EntityID: entityID, Points: budget.Points(points)}, nil
}

func isRecordConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRecordEntity
	}
	return false
}
