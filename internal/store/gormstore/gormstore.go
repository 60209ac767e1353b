// Package gormstore persists budget records through GORM (sqlite or postgres).
package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintRecordEntity = "idx_budget_records_entity"
	pgUniqueViolationCode  = "23505"
	sqliteConstraintCode   = 19
	errorOperationStore    = "store"
	errorSubjectRecord     = "record"
	errorSubjectEntry      = "entry"
	errorSubjectSchema     = "schema"
	errorSubjectConnection = "connection"
	errorCodeClose         = "close"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeMigrate       = "migrate"
	errorCodeUpsert        = "upsert"
)

// Store implements budget.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the budget tables.
func (store *Store) Migrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(&BudgetRecord{}, &BudgetEntry{}); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, err)
	}
	return nil
}

func (store *Store) Load(ctx context.Context, entityID budget.EntityID) (budget.Record, error) {
	var model BudgetRecord
	err := store.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, budget.ErrRecordNotFound)
		}
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeGet, err)
	}
	record, err := mapRecord(model)
	if err != nil {
		return budget.Record{}, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
	}
	return record, nil
}

func (store *Store) Save(ctx context.Context, record budget.Record) error {
	if record.EntityID.IsZero() {
		return wrapStoreError(errorSubjectRecord, errorCodeInvalid, budget.ErrInvalidEntityID)
	}
	model := BudgetRecord{
		EntityID:  record.EntityID.String(),
		Points:    record.Points.Int64(),
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"points", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
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
	model := BudgetRecord{EntityID: record.EntityID.String(), Points: record.Points.Int64()}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isRecordConflict(err) {
		return wrapStoreError(errorSubjectRecord, errorCodeDuplicate, budget.ErrRecordExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRecord, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListRecords(ctx context.Context) ([]budget.Record, error) {
	var rows []BudgetRecord
	if err := store.db.WithContext(ctx).Order("entity_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRecord, errorCodeList, err)
	}
	records := make([]budget.Record, 0, len(rows))
	for _, row := range rows {
		record, err := mapRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRecord, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) RecordEntry(ctx context.Context, entry budget.Entry) error {
	model := BudgetEntry{
		EntityID:    entry.EntityID.String(),
		Kind:        entry.Kind.String(),
		Material:    entry.Material.String(),
		Cost:        entry.Cost.Int64(),
		PointsAfter: entry.PointsAfter.Int64(),
		Location: datatypes.NewJSONType(EntryLocation{
			Zone: entry.Location.Zone.String(),
			X:    entry.Location.X,
			Y:    entry.Location.Y,
			Z:    entry.Location.Z,
		}),
		CreatedAt: time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, entityID budget.EntityID, limit int) ([]budget.Entry, error) {
	var rows []BudgetEntry
	err := store.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]budget.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return wrapStoreError(errorSubjectConnection, errorCodeClose, err)
	}
	if err := sqlDB.Close(); err != nil {
		return wrapStoreError(errorSubjectConnection, errorCodeClose, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return budget.WrapError(errorOperationStore, subject, code, err)
}

func mapRecord(row BudgetRecord) (budget.Record, error) {
	entityID, err := budget.NewEntityID(row.EntityID)
	if err != nil {
		return budget.Record{}, err
	}
	return budget.Record{EntityID: entityID, Points: budget.Points(row.Points)}, nil
}

func mapEntry(row BudgetEntry) (budget.Entry, error) {
	entityID, err := budget.NewEntityID(row.EntityID)
	if err != nil {
		return budget.Entry{}, err
	}
	material, err := budget.NewMaterial(row.Material)
	if err != nil {
		return budget.Entry{}, err
	}
	location := row.Location.Data()
	return budget.Entry{
		EntityID:    entityID,
		Kind:        budget.EntryKind(row.Kind),
		Material:    material,
		Cost:        budget.Points(row.Cost),
		PointsAfter: budget.Points(row.PointsAfter),
		Location: budget.BlockLocation{
			Zone: budget.Zone(location.Zone),
			X:    location.X,
			Y:    location.Y,
			Z:    location.Z,
		},
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func isRecordConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintRecordEntity
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
