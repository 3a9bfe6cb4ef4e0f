// internal/storage/storage_test.go
package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

func newMockPostgres(t *testing.T) (*postgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &postgresStore{
		db:     db,
		logger: utils.NewComponentLogger("storage"),
		now:    func() time.Time { return fixed },
	}, mock
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cassandra")
}

func TestPostgresUpsertDioceseReturnsID(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`INSERT INTO dioceses`).
		WithArgs("Diocese of Atlanta", "GA", "https://archatl.com", "https://archatl.com/parishes", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	d := &Diocese{
		Name:         "Diocese of Atlanta",
		State:        "GA",
		Website:      "https://archatl.com",
		DirectoryURL: "https://archatl.com/parishes",
	}
	require.NoError(t, s.UpsertDiocese(context.Background(), d))
	assert.Equal(t, int64(42), d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertParishesBatch(t *testing.T) {
	s, mock := newMockPostgres(t)

	parishes := []Parish{
		{Name: "St. Mary Catholic Church", SourceURL: "https://d.org/parishes", Extractor: "table", Confidence: 0.9},
		{Name: "Holy Cross Parish", SourceURL: "https://d.org/parishes", Extractor: "table", Confidence: 0.9},
		{Name: "Sacred Heart Church", SourceURL: "https://d.org/parishes", Extractor: "table", Confidence: 0.9},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO parishes`)
	for i := range parishes {
		prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(100 + i)))
	}
	mock.ExpectCommit()

	n, err := s.UpsertParishes(context.Background(), 7, parishes)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i, p := range parishes {
		assert.Equal(t, int64(100+i), p.ID, "parish %d should carry its row id", i)
		assert.Equal(t, int64(7), p.DioceseID)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertParishesRollsBackOnError(t *testing.T) {
	s, mock := newMockPostgres(t)

	parishes := []Parish{
		{Name: "St. Mary Catholic Church", SourceURL: "https://d.org/p", Extractor: "table"},
		{Name: "Holy Cross Parish", SourceURL: "https://d.org/p", Extractor: "table"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO parishes`)
	prep.ExpectQuery().WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	prep.ExpectQuery().WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.UpsertParishes(context.Background(), 7, parishes)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Holy Cross Parish")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertParishesEmptySliceIsNoop(t *testing.T) {
	s, mock := newMockPostgres(t)

	n, err := s.UpsertParishes(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertScheduleFacts(t *testing.T) {
	s, mock := newMockPostgres(t)

	facts := []ScheduleFact{
		{FactType: FactMass, Detail: "Sunday 9:00 AM", SourceURL: "https://stmary.org/mass-times", Confidence: 0.8},
		{FactType: FactReconciliation, Detail: "Saturday 3:30 PM", SourceURL: "https://stmary.org/mass-times", Confidence: 0.7},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO parish_schedule_facts`)
	prep.ExpectExec().
		WithArgs(int64(12), FactMass, "Sunday 9:00 AM", "https://stmary.org/mass-times", 0.8, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(int64(12), FactReconciliation, "Saturday 3:30 PM", "https://stmary.org/mass-times", 0.7, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.UpsertScheduleFacts(context.Background(), 12, facts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordDioceseErrorTruncates(t *testing.T) {
	s, mock := newMockPostgres(t)

	long := strings.Repeat("x", 600)
	mock.ExpectExec(`UPDATE dioceses SET last_error`).
		WithArgs(strings.Repeat("x", 500)+"...", sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.RecordDioceseError(context.Background(), 3, long))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLUpsertDioceseSetsID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := &mysqlStore{
		db:     db,
		logger: utils.NewComponentLogger("storage"),
		now:    time.Now,
	}

	mock.ExpectExec(`INSERT INTO dioceses`).
		WillReturnResult(sqlmock.NewResult(17, 1))

	d := &Diocese{Name: "Diocese of Savannah"}
	require.NoError(t, s.UpsertDiocese(context.Background(), d))
	assert.Equal(t, int64(17), d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE a"))
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE b"))
}
