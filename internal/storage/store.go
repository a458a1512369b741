package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicate is returned by AddDownload when the id already exists.
var ErrDuplicate = errors.New("storage: duplicate download id")

// Store is the engine's persistent store (PS), a WAL-mode embedded SQL
// database. It is the sole source of truth for durable download state;
// the dispatch loop's in-memory bookkeeping always defers to it on restart.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open creates (or attaches to) the SQLite database at path, enables WAL
// mode and foreign-key enforcement, migrates the schema, and runs the
// recovery pass. path may be ":memory:" for tests.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := gdb.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := autoMigrate(gdb); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	s := &Store{db: gdb, log: log}
	if err := s.initMetadata(); err != nil {
		return nil, fmt.Errorf("storage: init metadata: %w", err)
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("storage: recovery: %w", err)
	}
	return s, nil
}

func (s *Store) initMetadata() error {
	return s.db.Clauses().Where(Metadata{Key: "schema_version"}).
		Attrs(Metadata{Value: schemaVersion}).
		FirstOrCreate(&Metadata{}).Error
}

// Close issues a truncating WAL checkpoint and releases the connection.
func (s *Store) Close() error {
	if err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		s.log.Warn("wal checkpoint failed on close", "error", err)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// recover is the Recovery Coordinator (RC, spec.md §4.2). It runs exactly
// once, inside Open, before any caller can observe the store.
func (s *Store) recover() error {
	var stuck []Download
	if err := s.db.Where("state = ?", StateDownloading).Find(&stuck).Error; err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, d := range stuck {
			if err := tx.Model(&Download{}).Where("id = ?", d.ID).Updates(map[string]any{
				"state":      StateQueued,
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
			if err := appendEventTx(tx, d.ID, "recovered", `{"previousState":"downloading"}`); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddDownload inserts record if its id is absent, assigning queue_position
// as max(queue_position where state='queued') + 1. Returns ErrDuplicate if
// the id already exists (submit is idempotent, spec.md §8.6).
func (s *Store) AddDownload(d *Download) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Download{}).Where("id = ?", d.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}
		var maxPos int
		if err := tx.Model(&Download{}).
			Where("state = ?", StateQueued).
			Select("COALESCE(MAX(queue_position), 0)").
			Scan(&maxPos).Error; err != nil {
			return err
		}
		d.QueuePosition = maxPos + 1
		d.State = StateQueued
		now := time.Now().UTC()
		d.CreatedAt = now
		d.UpdatedAt = now
		if err := tx.Create(d).Error; err != nil {
			return err
		}
		return appendEventTx(tx, d.ID, "created", "")
	})
}

// UpdateDownload applies a partial set of column updates.
func (s *Store) UpdateDownload(id int64, partial map[string]any) error {
	partial["updated_at"] = time.Now().UTC()
	return s.db.Model(&Download{}).Where("id = ?", id).Updates(partial).Error
}

// SetState transitions a download's state and appends a history event.
// eventData may be empty.
func (s *Store) SetState(id int64, newState State, eventType, eventData string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"state":      newState,
			"updated_at": time.Now().UTC(),
		}
		if newState == StateCompleted {
			now := time.Now().UTC()
			updates["completed_at"] = now
		}
		if newState == StateDownloading {
			var d Download
			if err := tx.Select("started_at").Where("id = ?", id).First(&d).Error; err == nil && d.StartedAt == nil {
				now := time.Now().UTC()
				updates["started_at"] = now
			}
		}
		if err := tx.Model(&Download{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if eventType == "" {
			return nil
		}
		return appendEventTx(tx, id, eventType, eventData)
	})
}

// UpdateProgress is the hot-path write: no history event, best-effort.
// Per spec.md §4.1, progress-update errors on the hot path are swallowed
// by the caller, not here — callers decide whether to log.
func (s *Store) UpdateProgress(id int64, progress float64, downloadedBytes int64) error {
	return s.db.Model(&Download{}).Where("id = ?", id).Updates(map[string]any{
		"progress":         progress,
		"downloaded_bytes": downloadedBytes,
		"updated_at":       time.Now().UTC(),
	}).Error
}

func (s *Store) GetByID(id int64) (*Download, error) {
	var d Download
	if err := s.db.Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Exists(id int64) (bool, error) {
	var count int64
	err := s.db.Model(&Download{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

func (s *Store) GetQueued() ([]Download, error) {
	return s.getByStateOrdered(StateQueued)
}

func (s *Store) GetActive() ([]Download, error) {
	return s.getByStateOrdered(StateDownloading)
}

func (s *Store) GetPaused() ([]Download, error) {
	return s.getByStateOrdered(StatePaused)
}

func (s *Store) GetByState(state State) ([]Download, error) {
	return s.getByStateOrdered(state)
}

func (s *Store) getByStateOrdered(state State) ([]Download, error) {
	var rows []Download
	err := s.db.Where("state = ?", state).
		Order("priority desc, queue_position asc, created_at asc").
		Find(&rows).Error
	return rows, err
}

func (s *Store) GetAll() ([]Download, error) {
	var rows []Download
	err := s.db.Order("priority desc, queue_position asc, created_at asc").Find(&rows).Error
	return rows, err
}

func (s *Store) DeleteDownload(id int64) error {
	return s.db.Select("Chunks", "History").Delete(&Download{ID: id}).Error
}

// CreateChunks inserts all n chunk rows for a chunked download in one
// transaction, per spec.md §4.7 ("all n rows are inserted in one PS
// transaction before any bytes are fetched").
func (s *Store) CreateChunks(downloadID int64, chunks []Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("download_id = ?", downloadID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.Create(&chunks).Error
	})
}

func (s *Store) UpdateChunk(downloadID int64, index int, partial map[string]any) error {
	return s.db.Model(&Chunk{}).
		Where("download_id = ? AND chunk_index = ?", downloadID, index).
		Updates(partial).Error
}

func (s *Store) GetChunks(downloadID int64) ([]Chunk, error) {
	var rows []Chunk
	err := s.db.Where("download_id = ?", downloadID).Order("chunk_index asc").Find(&rows).Error
	return rows, err
}

func (s *Store) DeleteChunks(downloadID int64) error {
	return s.db.Where("download_id = ?", downloadID).Delete(&Chunk{}).Error
}

func (s *Store) AppendEvent(downloadID int64, eventType, eventData string) error {
	return appendEventTx(s.db, downloadID, eventType, eventData)
}

func appendEventTx(tx *gorm.DB, downloadID int64, eventType, eventData string) error {
	ev := HistoryEvent{
		ID:         uuid.NewString(),
		DownloadID: downloadID,
		EventType:  eventType,
		EventData:  eventData,
		CreatedAt:  time.Now().UTC(),
	}
	return tx.Create(&ev).Error
}

// PruneOlderThan deletes history rows older than days for downloads that
// are currently in a terminal state (spec.md §3 HistoryEvent lifecycle).
func (s *Store) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	tx := s.db.Where("created_at < ? AND download_id IN (?)", cutoff,
		s.db.Model(&Download{}).
			Where("state IN ?", []State{StateCompleted, StateFailed, StateCancelled}).
			Select("id")).
		Delete(&HistoryEvent{})
	return tx.RowsAffected, tx.Error
}
