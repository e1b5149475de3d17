package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/wuchao05/changdu-material/internal/config"
)

const (
	defaultDBDirName  = ".changdu-material"
	defaultDBFileName = "material.db"

	checkpointsTable = "upload_checkpoints"
)

// UploadCheckpoint records how far a drama's batched upload has progressed,
// keyed by the tracking record id. It survives process restarts so an
// interrupted upload resumes from the first incomplete batch.
type UploadCheckpoint struct {
	RecordID         string
	Drama            string
	Date             string
	Account          string
	TotalBatches     int
	CompletedBatches int
	UpdatedAt        time.Time
}

// CheckpointStore persists upload checkpoints in SQLite.
type CheckpointStore struct {
	db *sql.DB
}

// ResolveDatabasePath returns the absolute path to the local SQLite
// database, creating the parent directory if necessary. Override with
// MATERIAL_SQLITE_PATH; otherwise the database lives under the user home.
func ResolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(config.String("MATERIAL_SQLITE_PATH", "")); custom != "" {
		if err := ensureDirExists(filepath.Dir(custom)); err != nil {
			return "", err
		}
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	dir := filepath.Join(home, defaultDBDirName)
	if err := ensureDirExists(dir); err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDBFileName), nil
}

func ensureDirExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "storage: create dir %s failed", path)
	}
	return nil
}

// NewCheckpointStore opens (or creates) the checkpoint database at path. An
// empty path resolves the shared database location from the environment.
func NewCheckpointStore(path string) (*CheckpointStore, error) {
	if strings.TrimSpace(path) == "" {
		resolved, err := ResolveDatabasePath()
		if err != nil {
			return nil, err
		}
		path = resolved
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureCheckpointSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &CheckpointStore{db: db}, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func ensureCheckpointSchema(db *sql.DB) error {
	createTable := `CREATE TABLE IF NOT EXISTS ` + checkpointsTable + ` (
		record_id TEXT PRIMARY KEY,
		drama TEXT NOT NULL,
		date TEXT NOT NULL,
		account TEXT,
		total_batches INTEGER NOT NULL,
		completed_batches INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := db.Exec(createTable); err != nil {
		return errors.Wrap(err, "storage: create checkpoint table failed")
	}
	return nil
}

// Get returns the checkpoint for recordID, or nil when none exists.
func (s *CheckpointStore) Get(recordID string) (*UploadCheckpoint, error) {
	row := s.db.QueryRow(`SELECT record_id, drama, date, account, total_batches, completed_batches, updated_at
		FROM `+checkpointsTable+` WHERE record_id = ?`, recordID)
	var cp UploadCheckpoint
	err := row.Scan(&cp.RecordID, &cp.Drama, &cp.Date, &cp.Account, &cp.TotalBatches, &cp.CompletedBatches, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "storage: query checkpoint failed")
	}
	return &cp, nil
}

// Put upserts the checkpoint for cp.RecordID.
func (s *CheckpointStore) Put(cp UploadCheckpoint) error {
	if strings.TrimSpace(cp.RecordID) == "" {
		return errors.New("storage: checkpoint record id cannot be empty")
	}
	if cp.CompletedBatches > cp.TotalBatches {
		return errors.Errorf("storage: completed batches %d exceeds total %d", cp.CompletedBatches, cp.TotalBatches)
	}
	_, err := s.db.Exec(`INSERT INTO `+checkpointsTable+`
		(record_id, drama, date, account, total_batches, completed_batches, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			drama = excluded.drama,
			date = excluded.date,
			account = excluded.account,
			total_batches = excluded.total_batches,
			completed_batches = excluded.completed_batches,
			updated_at = excluded.updated_at`,
		cp.RecordID, cp.Drama, cp.Date, cp.Account, cp.TotalBatches, cp.CompletedBatches, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "storage: upsert checkpoint failed")
	}
	return nil
}

// Clear removes the checkpoint for recordID. Clearing a missing record is
// not an error.
func (s *CheckpointStore) Clear(recordID string) error {
	if _, err := s.db.Exec(`DELETE FROM `+checkpointsTable+` WHERE record_id = ?`, recordID); err != nil {
		return errors.Wrap(err, "storage: delete checkpoint failed")
	}
	return nil
}

// Close releases the underlying database handle.
func (s *CheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
