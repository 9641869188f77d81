package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/horizon/internal/horizon"
)

func TestArchiveSnapshotsInsertsRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := NewSnapshotArchiveWithPool(mock, "")
	require.NoError(t, err)

	period := time.Unix(1700000000, 0).UTC().Truncate(time.Minute)
	snaps := []horizon.Snapshot{
		{Queue: "default", PeriodStart: period, Processed: 12, Failed: 1,
			AvgWait: 250 * time.Millisecond, AvgRuntime: 2 * time.Second, Throughput: 2.4},
		{Queue: "mail", PeriodStart: period},
	}
	mock.ExpectExec("INSERT INTO queue_snapshots").
		WithArgs("default", period, int64(12), int64(1), int64(250), int64(2000), 2.4).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO queue_snapshots").
		WithArgs("mail", period, int64(0), int64(0), int64(0), int64(0), 0.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, archive.ArchiveSnapshots(context.Background(), snaps))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveSnapshotsWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := NewSnapshotArchiveWithPool(mock, "snaps")
	require.NoError(t, err)
	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO snaps").WillReturnError(boom)

	err = archive.ArchiveSnapshots(context.Background(), []horizon.Snapshot{{Queue: "default", PeriodStart: time.Now()}})
	require.ErrorIs(t, err, boom)
}

func TestSnapshotsQuery(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := NewSnapshotArchiveWithPool(mock, "")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"queue", "period_start", "processed", "failed", "avg_wait_ms", "avg_runtime_ms", "throughput"}).
		AddRow("default", from, int64(5), int64(0), int64(40), int64(900), 1.0).
		AddRow("default", from.Add(5*time.Minute), int64(10), int64(2), int64(10), int64(100), 2.0)
	mock.ExpectQuery("SELECT queue, period_start").
		WithArgs("default", &from, (*time.Time)(nil)).
		WillReturnRows(rows)

	snaps, err := archive.Snapshots(context.Background(), "default", from, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, 900*time.Millisecond, snaps[0].AvgRuntime)
	require.Equal(t, 40*time.Millisecond, snaps[0].AvgWait)
	require.Equal(t, int64(2), snaps[1].Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := NewSnapshotArchiveWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_snapshots").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, archive.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewSnapshotArchiveWithPool(mock, "snapshots; DROP TABLE x")
	require.Error(t, err)
	_, err = NewSnapshotArchive(context.Background(), Config{})
	require.Error(t, err)
}
