package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

var errConnectionReset = errors.New("connection reset")

func TestEnsureSchemaRunsEveryStatement(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{}
	store := &Store{db: fake}

	require.NoError(test, store.EnsureSchema(context.Background()))
	require.Len(test, fake.execs, 4)
	require.Contains(test, fake.execs[0].sql, "budget_records")
	require.Contains(test, fake.execs[3].sql, "idx_budget_entries_entity_created")
}

func TestEnsureSchemaWrapsFailure(test *testing.T) {
	test.Parallel()
	store := &Store{db: &fakeQuerier{execErr: errConnectionReset}}
	err := store.EnsureSchema(context.Background())
	require.ErrorIs(test, err, errConnectionReset)

	var operationError budget.OperationError
	require.ErrorAs(test, err, &operationError)
	require.Equal(test, errorSubjectSchema, operationError.Subject())
}

func TestLoad(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		row        fakeRow
		wantErr    error
		wantPoints budget.Points
	}{
		{name: "found", row: fakeRow{values: []any{"steve", int64(250)}}, wantPoints: 250},
		{name: "missing", row: fakeRow{err: pgx.ErrNoRows}, wantErr: budget.ErrRecordNotFound},
		{name: "driver failure", row: fakeRow{err: errConnectionReset}, wantErr: errConnectionReset},
		{name: "corrupt entity", row: fakeRow{values: []any{"  ", int64(1)}}, wantErr: budget.ErrInvalidEntityID},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			row := testCase.row
			store := &Store{db: &fakeQuerier{row: &row}}

			record, err := store.Load(context.Background(), mustEntityID(test, "steve"))
			if testCase.wantErr != nil {
				require.ErrorIs(test, err, testCase.wantErr)
				return
			}
			require.NoError(test, err)
			require.Equal(test, testCase.wantPoints, record.Points)
			require.Equal(test, "steve", record.EntityID.String())
		})
	}
}

func TestSaveUpserts(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{}
	store := &Store{db: fake}

	require.NoError(test, store.Save(context.Background(), budget.Record{EntityID: mustEntityID(test, "alex"), Points: -120}))
	require.Len(test, fake.execs, 1)
	require.Contains(test, fake.execs[0].sql, "on conflict (entity_id)")
	require.Equal(test, []any{"alex", int64(-120)}, fake.execs[0].arguments)

	require.ErrorIs(test, store.Save(context.Background(), budget.Record{}), budget.ErrInvalidEntityID)
}

func TestInsertRecordConflict(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		execErr error
		wantErr error
	}{
		{name: "created", wantErr: nil},
		{name: "duplicate entity", execErr: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintRecordEntity}, wantErr: budget.ErrRecordExists},
		{name: "other violation", execErr: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "budget_records_pkey"}, wantErr: nil},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := &Store{db: &fakeQuerier{execErr: testCase.execErr}}
			err := store.InsertRecord(context.Background(), budget.Record{EntityID: mustEntityID(test, "kim"), Points: 3})
			switch {
			case testCase.execErr == nil:
				require.NoError(test, err)
			case testCase.wantErr != nil:
				require.ErrorIs(test, err, testCase.wantErr)
			default:
				require.Error(test, err)
				require.False(test, errors.Is(err, budget.ErrRecordExists))
			}
		})
	}
}

func TestListRecords(test *testing.T) {
	test.Parallel()
	fake := &fakeQuerier{rows: &fakeRows{values: [][]any{
		{"amy", int64(10)},
		{"zed", int64(-400)},
	}}}
	store := &Store{db: fake}

	records, err := store.ListRecords(context.Background())
	require.NoError(test, err)
	require.Len(test, records, 2)
	require.Equal(test, budget.Points(-400), records[1].Points)
	require.True(test, fake.rows.closed)
}

func TestListRecordsPropagatesIterationError(test *testing.T) {
	test.Parallel()
	store := &Store{db: &fakeQuerier{rows: &fakeRows{err: errConnectionReset}}}
	_, err := store.ListRecords(context.Background())
	require.ErrorIs(test, err, errConnectionReset)
}

func TestJournal(test *testing.T) {
	test.Parallel()
	location := entryLocation{Zone: "world", X: 1, Y: 2, Z: 3}
	fake := &fakeQuerier{rows: &fakeRows{values: [][]any{
		{"steve", "deny", "DIAMOND_ORE", int64(100), int64(20), location, int64(1700000060)},
	}}}
	store := &Store{db: fake}
	entityID := mustEntityID(test, "steve")

	err := store.RecordEntry(context.Background(), budget.Entry{
		EntityID: entityID, Kind: budget.EntrySpend, Material: "DIAMOND_ORE", Cost: 100, PointsAfter: 20,
		Location: budget.BlockLocation{Zone: "world", X: 1, Y: 2, Z: 3}, CreatedUnixUTC: 1700000000,
	})
	require.NoError(test, err)
	require.Equal(test, location, fake.execs[0].arguments[5])
	require.Equal(test, int64(1700000000), fake.execs[0].arguments[6])

	entries, err := store.ListEntries(context.Background(), entityID, 5)
	require.NoError(test, err)
	require.Len(test, entries, 1)
	require.Equal(test, budget.EntryDeny, entries[0].Kind)
	require.Equal(test, budget.BlockLocation{Zone: "world", X: 1, Y: 2, Z: 3}, entries[0].Location)
	require.Equal(test, []any{"steve", 5}, fake.queries[0].arguments)
}

func TestCloseInvokesPoolClose(test *testing.T) {
	test.Parallel()
	closed := false
	store := &Store{db: &fakeQuerier{}, close: func() { closed = true }}
	require.NoError(test, store.Close())
	require.True(test, closed)
}

func mustEntityID(test *testing.T, raw string) budget.EntityID {
	test.Helper()
	entityID, err := budget.NewEntityID(raw)
	require.NoError(test, err)
	return entityID
}

type call struct {
	sql       string
	arguments []any
}

type fakeQuerier struct {
	execs   []call
	queries []call
	execErr error
	row     *fakeRow
	rows    *fakeRows
}

func (fake *fakeQuerier) Exec(_ context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	fake.execs = append(fake.execs, call{sql: strings.TrimSpace(sql), arguments: arguments})
	if fake.execErr != nil {
		return pgconn.CommandTag{}, fake.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (fake *fakeQuerier) QueryRow(_ context.Context, sql string, arguments ...any) pgx.Row {
	fake.queries = append(fake.queries, call{sql: sql, arguments: arguments})
	if fake.row == nil {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return fake.row
}

func (fake *fakeQuerier) Query(_ context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	fake.queries = append(fake.queries, call{sql: sql, arguments: arguments})
	if fake.rows == nil {
		return &fakeRows{}, nil
	}
	return fake.rows, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (row *fakeRow) Scan(destinations ...any) error {
	if row.err != nil {
		return row.err
	}
	return assign(destinations, row.values)
}

type fakeRows struct {
	values [][]any
	index  int
	err    error
	closed bool
}

func (rows *fakeRows) Close()                                       { rows.closed = true }
func (rows *fakeRows) Err() error                                   { return rows.err }
func (rows *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (rows *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (rows *fakeRows) RawValues() [][]byte                          { return nil }
func (rows *fakeRows) Conn() *pgx.Conn                              { return nil }

func (rows *fakeRows) Next() bool {
	if rows.err != nil || rows.index >= len(rows.values) {
		return false
	}
	rows.index++
	return true
}

func (rows *fakeRows) Scan(destinations ...any) error {
	return assign(destinations, rows.values[rows.index-1])
}

func (rows *fakeRows) Values() ([]any, error) {
	return rows.values[rows.index-1], nil
}

func assign(destinations []any, values []any) error {
	if len(destinations) != len(values) {
		return fmt.Errorf("scan: %d destinations for %d values", len(destinations), len(values))
	}
	for index, destination := range destinations {
		switch target := destination.(type) {
		case *string:
			*target = values[index].(string)
		case *int64:
			*target = values[index].(int64)
		case *entryLocation:
			*target = values[index].(entryLocation)
		default:
			return fmt.Errorf("scan: unsupported destination %T", destination)
		}
	}
	return nil
}
