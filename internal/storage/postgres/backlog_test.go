package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestBacklogPagesIDs(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backlog, err := NewBacklog(mock, "apps", "last_scanned_at")
	require.NoError(t, err)

	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT id FROM apps.*last_scanned_at IS NULL OR last_scanned_at < \$1.*ORDER BY id DESC`).
		WithArgs(cutoff, 50, 100).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(9)).AddRow(int64(4)))

	ids, err := backlog.IDsNotProcessedSince(context.Background(), cutoff, 3, 50, crawler.SortDescending)
	require.NoError(t, err)
	require.Equal(t, []int64{9, 4}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBacklogEmptyPage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backlog, err := NewBacklog(mock, "bundles", "last_scanned_at")
	require.NoError(t, err)

	cutoff := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT id FROM bundles.*ORDER BY id ASC`).
		WithArgs(cutoff, 10, 0).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	ids, err := backlog.IDsNotProcessedSince(context.Background(), cutoff, 1, 10, crawler.SortAscending)
	require.NoError(t, err)
	require.Empty(t, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBacklogRejectsBadInput(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewBacklog(mock, "apps; DROP TABLE apps", "last_scanned_at")
	require.Error(t, err)
	_, err = NewBacklog(nil, "apps", "last_scanned_at")
	require.Error(t, err)

	backlog, err := NewBacklog(mock, "apps", "last_scanned_at")
	require.NoError(t, err)
	_, err = backlog.IDsNotProcessedSince(context.Background(), time.Now(), 0, 10, crawler.SortAscending)
	require.Error(t, err)
	_, err = backlog.IDsNotProcessedSince(context.Background(), time.Now(), 1, 10, "sideways")
	require.Error(t, err)
}

func TestBacklogQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backlog, err := NewBacklog(mock, "apps", "last_aggregated_at")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id FROM apps`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	_, err = backlog.IDsNotProcessedSince(context.Background(), time.Now(), 1, 10, crawler.SortAscending)
	require.ErrorContains(t, err, "connection reset")
}

func TestBacklogMarkProcessed(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	backlog, err := NewBacklog(mock, "apps", "last_aggregated_at")
	require.NoError(t, err)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE apps SET last_aggregated_at = $2 WHERE id = $1`)).
		WithArgs(int64(42), at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, backlog.MarkProcessed(context.Background(), 42, at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS apps`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, ApplySchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.Error(t, err)
}
