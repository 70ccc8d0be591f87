package services

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMemoryOwnerIndex(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryOwnerIndex()

	require.NoError(t, idx.Record(ctx, "k2", "alice"))
	require.NoError(t, idx.Record(ctx, "k1", "alice"))
	require.NoError(t, idx.Record(ctx, "k3", "bob"))

	keys, err := idx.Keys(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)

	// re-recording moves the key to its new owner
	require.NoError(t, idx.Record(ctx, "k2", "bob"))
	keys, _ = idx.Keys(ctx, "bob")
	assert.Equal(t, []string{"k2", "k3"}, keys)

	require.NoError(t, idx.Record(ctx, "k3", ""))
	require.NoError(t, idx.Forget(ctx, "k1"))
	require.NoError(t, idx.Forget(ctx, "k1"))
	keys, _ = idx.Keys(ctx, "alice")
	assert.Empty(t, keys)
	keys, _ = idx.Keys(ctx, "bob")
	assert.Equal(t, []string{"k2"}, keys)
}

func newMockOwnerIndex(t *testing.T) (*GormOwnerIndex, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return NewGormOwnerIndex(db), mock
}

func TestGormOwnerIndexRecordUpserts(t *testing.T) {
	idx, mock := newMockOwnerIndex(t)

	mock.ExpectExec(`INSERT INTO "model_owners" .+ ON CONFLICT \("model_key"\) DO UPDATE`).
		WithArgs("k1", "alice", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, idx.Record(context.Background(), "k1", "alice"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOwnerIndexRecordWithoutOwnerForgets(t *testing.T) {
	idx, mock := newMockOwnerIndex(t)

	mock.ExpectExec(`DELETE FROM "model_owners" WHERE model_key = \$1`).
		WithArgs("k1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, idx.Record(context.Background(), "k1", ""))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOwnerIndexKeys(t *testing.T) {
	idx, mock := newMockOwnerIndex(t)

	mock.ExpectQuery(`SELECT "model_key" FROM "model_owners" WHERE owner = \$1 ORDER BY model_key`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"model_key"}).AddRow("k1").AddRow("k2"))

	keys, err := idx.Keys(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormOwnerIndexWrapsErrors(t *testing.T) {
	idx, mock := newMockOwnerIndex(t)
	dbErr := errors.New("connection refused")

	mock.ExpectQuery(`SELECT "model_key" FROM "model_owners"`).WillReturnError(dbErr)
	_, err := idx.Keys(context.Background(), "alice")
	assert.ErrorIs(t, err, dbErr)

	mock.ExpectExec(`DELETE FROM "model_owners"`).WillReturnError(dbErr)
	assert.ErrorIs(t, idx.Forget(context.Background(), "k1"), dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
