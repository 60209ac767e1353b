package budget

import "context"

// Store is the persistence contract for budget records.
// Load returns ErrRecordNotFound when the entity has no persisted record.
type Store interface {
	Load(ctx context.Context, entityID EntityID) (Record, error)
	Save(ctx context.Context, record Record) error
	Close() error
}

// RecordLister is implemented by stores that can enumerate every record.
type RecordLister interface {
	ListRecords(ctx context.Context) ([]Record, error)
}

// RecordScanner is implemented by stores whose listing may find entries it
// cannot decode. Unreadable holds the stored names of those entries.
type RecordScanner interface {
	ScanRecords(ctx context.Context) (records []Record, unreadable []string, err error)
}

// RecordInserter is implemented by stores that can create a record without
// overwriting an existing one. InsertRecord returns ErrRecordExists on conflict.
type RecordInserter interface {
	InsertRecord(ctx context.Context, record Record) error
}

// EntryKind enumerates journal entry kinds.
type EntryKind string

const (
	EntrySpend EntryKind = "spend"
	EntryDeny  EntryKind = "deny"
)

// String returns the kind name.
func (kind EntryKind) String() string {
	return string(kind)
}

// Entry is one immutable journal line describing a gated break.
type Entry struct {
	EntityID       EntityID
	Kind           EntryKind
	Material       Material
	Cost           Points
	PointsAfter    Points
	Location       BlockLocation
	CreatedUnixUTC int64
}

// EntryRecorder is implemented by stores that keep a spend journal.
type EntryRecorder interface {
	RecordEntry(ctx context.Context, entry Entry) error
}

// EntryLister is implemented by stores that can read the journal back, newest first.
type EntryLister interface {
	ListEntries(ctx context.Context, entityID EntityID, limit int) ([]Entry, error)
}
