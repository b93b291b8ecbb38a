package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshsync/meshsync/pkg/collaboration/crdt"
	"github.com/meshsync/meshsync/pkg/models"
	"github.com/meshsync/meshsync/pkg/repository/interfaces"
)

func TestCreateVersion(t *testing.T) {
	ctx := context.Background()

	version := &models.ContentVersion{
		ID:          uuid.New(),
		ContentID:   uuid.New(),
		Content:     "hello world",
		ContentType: "text/plain",
		UserID:      "alice",
		SessionID:   uuid.New(),
		VectorClock: crdt.VectorClock{"alice": 3},
		CreatedAt:   time.Now().UTC(),
	}
	version.ContentHash = models.HashContent(version.Content)

	t.Run("inserts row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewVersionRepository(db, nil)

		mock.ExpectExec(`INSERT INTO content_versions`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.CreateVersion(ctx, version))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid version without touching the database", func(t *testing.T) {
		db, _ := newMockDB(t)
		repo := NewVersionRepository(db, nil)

		bad := *version
		bad.UserID = ""
		err := repo.CreateVersion(ctx, &bad)
		assert.Error(t, err)
	})
}

func TestGetVersionRoundTrip(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewVersionRepository(db, nil)

	id := uuid.New()
	parent := uuid.New()
	created := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "content_id", "content", "content_hash", "content_type",
		"user_id", "session_id", "vector_clock", "parent_version_id", "created_at",
	}).AddRow(
		id, uuid.New(), "body", models.HashContent("body"), "text/markdown",
		"bob", uuid.New(), []byte(`{"alice":2,"bob":5}`), parent, created,
	)
	mock.ExpectQuery(`SELECT id, content_id, content`).
		WithArgs(id).
		WillReturnRows(rows)

	got, err := repo.GetVersion(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "body", got.Content)
	assert.Equal(t, uint64(5), got.VectorClock["bob"])
	require.NotNil(t, got.ParentVersionID)
	assert.Equal(t, parent, *got.ParentVersionID)
}

func TestGetVersionNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewVersionRepository(db, nil)

	mock.ExpectQuery(`SELECT id, content_id, content`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetVersion(context.Background(), uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
