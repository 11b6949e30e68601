package storagemap

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/chain-indexer/internal/schema"
)

func compiledTestSchema(t *testing.T) *schema.CompiledSchema {
	t.Helper()
	compiled, err := schema.Compile("fuel_indexer_test", "index1", `
type PingEntity {
  id: ID!
  value: UInt64!
}
`)
	require.NoError(t, err)
	return compiled
}

func TestSaveUpsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mapper := New(compiledTestSchema(t))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "fuel_indexer_test_index1"\."pingentity"`).
		WithArgs(int64(1), "123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	err = mapper.Save(context.Background(), tx, "PingEntity", 1, Value{"value": int64(123)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReturnsNilOnMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mapper := New(compiledTestSchema(t))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "value" FROM "fuel_indexer_test_index1"\."pingentity"`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	val, err := mapper.Load(context.Background(), tx, "PingEntity", 42)
	require.NoError(t, err)
	assert.Nil(t, val)
	require.NoError(t, tx.Commit())
}

func TestSaveRejectsUnknownEntity(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mapper := New(compiledTestSchema(t))

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	err = mapper.Save(context.Background(), tx, "NoSuchEntity", 1, nil)
	require.Error(t, err)
}

func compiledListSchema(t *testing.T) *schema.CompiledSchema {
	t.Helper()
	compiled, err := schema.Compile("fuel_indexer_test", "index1", `
type ListEntity {
  id: ID!
  values: [Int64]!
  labels: [String!]
}
`)
	require.NoError(t, err)
	return compiled
}

func TestLoadDecodesArrayColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mapper := New(compiledListSchema(t))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT "values", "labels" FROM "fuel_indexer_test_index1"\."listentity"`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"values", "labels"}).
			AddRow([]byte(`{1,NULL,3}`), nil))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	val, err := mapper.Load(context.Background(), tx, "ListEntity", 7)
	require.NoError(t, err)
	require.NotNil(t, val)

	assert.Equal(t, []any{int64(1), nil, int64(3)}, val["values"])
	assert.Nil(t, val["labels"])

	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEncodesArrayColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mapper := New(compiledListSchema(t))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "fuel_indexer_test_index1"\."listentity"`).
		WithArgs(int64(7), "{1,NULL,3}", `{"a","b"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	err = mapper.Save(context.Background(), tx, "ListEntity", 7, Value{
		"values": []any{int64(1), nil, int64(3)},
		"labels": []any{"a", "b"},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
