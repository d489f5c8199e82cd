package guildkit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const defaultSlowThreshold = 200 * time.Millisecond

var sqliteExecPragma = []string{
	"pragma journal_mode=WAL;",
	"pragma synchronous = normal;",
	"pragma foreign_keys = ON;",
}

// CreateDB opens (creating if necessary) the sqlite database backing job
// and schedule persistence, and runs migrations.
func CreateDB(ctx context.Context, path string) (*gorm.DB, error) {
	handler := NewLogHandler(os.Stdout, slog.LevelWarn)
	dbLogger := slog.New(handler)
	dbLogger.InfoContext(ctx, "initializing database", "database", path)

	parentDir := filepath.Dir(path)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(
		sqlite.Open(path),
		&gorm.Config{
			Logger: newGORMLogger(handler, defaultSlowThreshold),
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	for _, pragma := range sqliteExecPragma {
		if rv := db.Exec(pragma); rv.Error != nil {
			return nil, rv.Error
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&JobHeader{},
		&CronHeader{},
		&StoredConfig{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrating database %q: %w", path, err)
	}
	return db, nil
}

// JobStore persists job and schedule headers, so unfinished jobs and
// standing schedules survive restarts. It's wired into JobQueue and
// JobCron through their lifecycle callbacks.
type JobStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewJobStore(db *gorm.DB, logger *slog.Logger) *JobStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobStore{
		db:     db,
		logger: logger.With(loggerNameKey, "job_store"),
	}
}

// CreateJob records a job header. The header's ID is assigned by the
// database.
func (s *JobStore) CreateJob(ctx context.Context, header *JobHeader) error {
	rv := s.db.WithContext(ctx).Create(header)
	if rv.Error != nil {
		return &PersistenceError{
			Op:   "write",
			Name: "job_headers",
			Err:  rv.Error,
		}
	}
	return nil
}

// DeleteJob removes a job header once the job finishes or is cancelled.
func (s *JobStore) DeleteJob(ctx context.Context, id uint) error {
	rv := s.db.WithContext(ctx).Delete(&JobHeader{}, id)
	if rv.Error != nil {
		return &PersistenceError{
			Op:   "write",
			Name: "job_headers",
			Err:  rv.Error,
		}
	}
	return nil
}

// PendingJobs returns all recorded job headers - jobs that never finished.
func (s *JobStore) PendingJobs(ctx context.Context) ([]*JobHeader, error) {
	var headers []*JobHeader
	rv := s.db.WithContext(ctx).Order("id").Find(&headers)
	if rv.Error != nil {
		return nil, &PersistenceError{
			Op:   "read",
			Name: "job_headers",
			Err:  rv.Error,
		}
	}
	return headers, nil
}

// CreateSchedule records a schedule header. New headers get their ID
// assigned by the database; headers with an existing ID (from Replace)
// keep it.
func (s *JobStore) CreateSchedule(
	ctx context.Context,
	header *CronHeader,
) error {
	rv := s.db.WithContext(ctx).Create(header)
	if rv.Error != nil {
		return &PersistenceError{
			Op:   "write",
			Name: "cron_headers",
			Err:  rv.Error,
		}
	}
	return nil
}

// DeleteSchedule removes a schedule header.
func (s *JobStore) DeleteSchedule(ctx context.Context, id uint) error {
	rv := s.db.WithContext(ctx).Delete(&CronHeader{}, id)
	if rv.Error != nil {
		return &PersistenceError{
			Op:   "write",
			Name: "cron_headers",
			Err:  rv.Error,
		}
	}
	return nil
}

// Schedules returns all recorded schedule headers.
func (s *JobStore) Schedules(ctx context.Context) ([]*CronHeader, error) {
	var headers []*CronHeader
	rv := s.db.WithContext(ctx).Order("id").Find(&headers)
	if rv.Error != nil {
		return nil, &PersistenceError{
			Op:   "read",
			Name: "cron_headers",
			Err:  rv.Error,
		}
	}
	return headers, nil
}
