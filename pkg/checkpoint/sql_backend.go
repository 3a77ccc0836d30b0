package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// checkpointRow is the table layout for SQLBackend.
type checkpointRow struct {
	ID        string    `gorm:"primaryKey;size:26"` // ULID length
	ThreadID  string    `gorm:"size:256;not null;index:uniq_checkpoint_thread_step,unique,priority:1"`
	Step      int64     `gorm:"not null;index:uniq_checkpoint_thread_step,unique,priority:2"`
	Payload   []byte    `gorm:"not null"`
	Checksum  string    `gorm:"size:64;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// SQLBackend stores records in a relational table through gorm. The unique
// (thread_id, step) index keeps steps monotonic across processes.
type SQLBackend struct {
	db     *gorm.DB
	log    zerolog.Logger
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// OpenSQL opens a database for the given driver ("postgres", "mysql" or "sqlite").
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// NewSQLBackend migrates the checkpoints table and returns the backend.
func NewSQLBackend(db *gorm.DB, log zerolog.Logger) (*SQLBackend, error) {
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("automigrate checkpoints: %w", err)
	}
	return &SQLBackend{db: db, log: log, now: time.Now}, nil
}

func (s *SQLBackend) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// GetLatest walks the thread's rows by descending step and returns the first
// one whose checksum verifies.
func (s *SQLBackend) GetLatest(ctx context.Context, threadID string) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	return s.latest(s.db.WithContext(ctx), threadID)
}

func (s *SQLBackend) latest(db *gorm.DB, threadID string) (*Record, error) {
	rows, err := db.Model(&checkpointRow{}).
		Where("thread_id = ?", threadID).
		Order("step DESC").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row checkpointRow
		if err := db.ScanRows(rows, &row); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		rec := rowToRecord(&row)
		if err := rec.Verify(); err != nil {
			s.log.Warn().Str("thread_id", threadID).Int64("step", row.Step).Err(err).Msg("skipping corrupt checkpoint")
			continue
		}
		return rec, nil
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select latest checkpoint: %w", err)
	}
	return nil, ErrNotFound
}

// Put inserts inside a transaction after checking the newest valid step. Rows
// at or above step can only be corrupt at that point and are replaced.
func (s *SQLBackend) Put(ctx context.Context, threadID string, payload []byte, step int64) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkPut(threadID, step); err != nil {
		return nil, err
	}

	rec := NewRecord(threadID, payload, step, s.now())
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := s.latest(tx, threadID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if latest != nil && latest.Step >= step {
			return fmt.Errorf("%w: thread %s at step %d, got %d", ErrStaleStep, threadID, latest.Step, step)
		}
		if err := tx.Where("thread_id = ? AND step >= ?", threadID, step).
			Delete(&checkpointRow{}).Error; err != nil {
			return fmt.Errorf("delete corrupt checkpoints: %w", err)
		}
		if err := tx.Create(recordToRow(rec)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: concurrent write on thread %s", ErrStaleStep, threadID)
			}
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes every row for the thread.
func (s *SQLBackend) Delete(ctx context.Context, threadID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ValidateThreadID(threadID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&checkpointRow{}).Error; err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

// Ping checks the underlying connection pool.
func (s *SQLBackend) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func recordToRow(r *Record) *checkpointRow {
	return &checkpointRow{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Step:      r.Step,
		Payload:   r.Payload,
		Checksum:  r.Checksum,
		CreatedAt: r.CreatedAt,
	}
}

func rowToRecord(row *checkpointRow) *Record {
	return &Record{
		ID:        row.ID,
		ThreadID:  row.ThreadID,
		Step:      row.Step,
		Payload:   row.Payload,
		Checksum:  row.Checksum,
		CreatedAt: row.CreatedAt,
	}
}
