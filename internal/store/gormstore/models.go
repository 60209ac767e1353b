package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BudgetRecord mirrors the budget_records table.
type BudgetRecord struct {
	RecordID  string    `gorm:"type:uuid;primaryKey"`
	EntityID  string    `gorm:"not null;uniqueIndex:idx_budget_records_entity"`
	Points    int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BudgetRecord) TableName() string { return "budget_records" }

func (record *BudgetRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// EntryLocation is the block location stored in the journal metadata column.
type EntryLocation struct {
	Zone string `json:"zone"`
	X    int64  `json:"x"`
	Y    int64  `json:"y"`
	Z    int64  `json:"z"`
}

// BudgetEntry mirrors the budget_entries table.
type BudgetEntry struct {
	EntryID     string                            `gorm:"type:uuid;primaryKey"`
	EntityID    string                            `gorm:"not null;index:idx_budget_entries_entity_created,priority:1"`
	Kind        string                            `gorm:"not null"`
	Material    string                            `gorm:"not null"`
	Cost        int64                             `gorm:"not null"`
	PointsAfter int64                             `gorm:"not null"`
	Location    datatypes.JSONType[EntryLocation] `gorm:"not null"`
	CreatedAt   time.Time                         `gorm:"not null;index:idx_budget_entries_entity_created,priority:2"`
}

func (BudgetEntry) TableName() string { return "budget_entries" }

func (entry *BudgetEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
