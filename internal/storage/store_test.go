package storage

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddDownloadAssignsQueuePosition(t *testing.T) {
	s := setupTestStore(t)

	d1 := &Download{ID: 1, Title: "a.bin", URL: "https://example.com/a.bin"}
	require.NoError(t, s.AddDownload(d1))
	assert.Equal(t, 1, d1.QueuePosition)
	assert.Equal(t, StateQueued, d1.State)

	d2 := &Download{ID: 2, Title: "b.bin", URL: "https://example.com/b.bin"}
	require.NoError(t, s.AddDownload(d2))
	assert.Equal(t, 2, d2.QueuePosition)
}

func TestAddDownloadDuplicateIsNoOp(t *testing.T) {
	s := setupTestStore(t)
	d := &Download{ID: 1, Title: "a.bin"}
	require.NoError(t, s.AddDownload(d))

	err := s.AddDownload(&Download{ID: 1, Title: "a.bin"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSetStateAppendsHistoryEvent(t *testing.T) {
	s := setupTestStore(t)
	d := &Download{ID: 1, Title: "a.bin"}
	require.NoError(t, s.AddDownload(d))

	require.NoError(t, s.SetState(1, StateDownloading, "started", ""))

	got, err := s.GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, StateDownloading, got.State)
	assert.NotNil(t, got.StartedAt)

	var started []HistoryEvent
	require.NoError(t, s.db.Where("download_id = ? AND event_type = ?", 1, "started").Find(&started).Error)
	assert.Len(t, started, 1)
}

func TestCreateChunksPartitionsRange(t *testing.T) {
	s := setupTestStore(t)
	d := &Download{ID: 1, Title: "a.bin", TotalBytes: 100}
	require.NoError(t, s.AddDownload(d))

	chunks := []Chunk{
		{DownloadID: 1, ChunkIndex: 0, StartByte: 0, EndByte: 49, State: ChunkPending},
		{DownloadID: 1, ChunkIndex: 1, StartByte: 50, EndByte: 99, State: ChunkPending},
	}
	require.NoError(t, s.CreateChunks(1, chunks))

	got, err := s.GetChunks(1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].StartByte)
	assert.Equal(t, int64(99), got[1].EndByte)
}

func TestDeleteDownloadCascadesChunksAndHistory(t *testing.T) {
	s := setupTestStore(t)
	d := &Download{ID: 1, Title: "a.bin", TotalBytes: 10}
	require.NoError(t, s.AddDownload(d))
	require.NoError(t, s.CreateChunks(1, []Chunk{{DownloadID: 1, ChunkIndex: 0, StartByte: 0, EndByte: 9}}))

	require.NoError(t, s.DeleteDownload(1))

	_, err := s.GetByID(1)
	assert.Error(t, err)
	chunks, err := s.GetChunks(1)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestRecoveryRequeuesDownloadingRows(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := Open(":memory:", log)
	require.NoError(t, err)

	d := &Download{ID: 4, Title: "crashed.bin"}
	require.NoError(t, s.AddDownload(d))
	require.NoError(t, s.SetState(4, StateDownloading, "started", ""))

	// Reopening a fresh in-memory db can't reproduce the crash scenario
	// directly (":memory:" doesn't persist across Open calls), so the
	// recovery pass is instead run against the live db before close.
	require.NoError(t, s.recover())
	got4, err := s.GetByID(4)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got4.State)
	var recovered []HistoryEvent
	require.NoError(t, s.db.Where("download_id = ? AND event_type = ?", 4, "recovered").Find(&recovered).Error)
	assert.Len(t, recovered, 1)
	require.NoError(t, s.Close())

	// Rows in any other state are left untouched.
	s2 := setupTestStore(t)
	d2 := &Download{ID: 5, Title: "paused.bin"}
	require.NoError(t, s2.AddDownload(d2))
	require.NoError(t, s2.SetState(5, StatePaused, "paused", ""))
	require.NoError(t, s2.recover())

	got, err := s2.GetByID(5)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, got.State)
}

func TestGetQueuedOrdersByPriorityThenPosition(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.AddDownload(&Download{ID: 1, Title: "low", Priority: 1}))
	require.NoError(t, s.AddDownload(&Download{ID: 2, Title: "high", Priority: 3}))
	require.NoError(t, s.AddDownload(&Download{ID: 3, Title: "mid", Priority: 2}))

	rows, err := s.GetQueued()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0].ID)
	assert.Equal(t, int64(3), rows[1].ID)
	assert.Equal(t, int64(1), rows[2].ID)
}
