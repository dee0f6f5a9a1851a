package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "entity_versions", []string{"version_id", "entity_id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"entity_versions"}, []string{"version_id", "entity_id"}).WillReturnResult(3)

	rows := [][]any{{"v1", "e1"}, {"v2", "e2"}, {"v3", "e3"}}
	n, err := CopyFrom(context.Background(), mock, "entity_versions", []string{"version_id", "entity_id"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"recon", "entity_versions"}, []string{"version_id"}).WillReturnResult(1)

	n, err := CopyFrom(context.Background(), mock, "recon.entity_versions", []string{"version_id"}, [][]any{{"v1"}})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"entity_versions"}, []string{"version_id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "entity_versions", []string{"version_id"}, [][]any{{"v1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO entity_versions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
