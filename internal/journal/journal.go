// Package journal keeps a queryable history of dispatch job outcomes in
// SQLite, or in MySQL when JOURNAL_DB is a "mysql://" DSN.
package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	drv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"logimon/internal/dispatch"
)

// Entry is one finished job.
type Entry struct {
	ID              string `gorm:"primaryKey;size:36"`
	RecordIndex     string `gorm:"size:64;index"`
	Plate           string `gorm:"size:32;index"`
	BatchID         string `gorm:"size:36;index"`
	State           string `gorm:"size:16"`
	Step            string `gorm:"size:16"`
	Kind            string `gorm:"size:32"`
	Error           string `gorm:"type:text"`
	Reason          string `gorm:"size:255"`
	StopName        string `gorm:"size:255"`
	DistanceKm      int
	DurationMinutes int
	BufferMinutes   int
	HasBuffer       bool
	OnTime          bool
	Shortcut        bool
	StartedAt       time.Time
	FinishedAt      time.Time `gorm:"index"`
}

// TableName pins the table name.
func (Entry) TableName() string { return "job_entries" }

// Journal records job outcomes. It implements dispatch.Journal.
type Journal struct {
	db *gorm.DB
}

const mysqlScheme = "mysql://"

// Open opens (or creates) the journal and migrates it. path is a SQLite file
// (":memory:" gives a throwaway journal) or "mysql://" followed by a
// go-sql-driver DSN.
func Open(path string) (*Journal, error) {
	dialector, err := dialectorFor(path)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", redact(path), err)
	}
	return New(db)
}

func dialectorFor(path string) (gorm.Dialector, error) {
	if !strings.HasPrefix(path, mysqlScheme) {
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("journal: create directory: %w", err)
			}
		}
		return sqlite.Open(path), nil
	}
	cfg, err := drv.ParseDSN(strings.TrimPrefix(path, mysqlScheme))
	if err != nil {
		return nil, fmt.Errorf("journal: parse mysql dsn: %w", err)
	}
	// time columns scan into time.Time only with parseTime
	cfg.ParseTime = true
	return mysql.Open(cfg.FormatDSN()), nil
}

// redact drops the password from a mysql DSN for error messages.
func redact(path string) string {
	if !strings.HasPrefix(path, mysqlScheme) {
		return path
	}
	cfg, err := drv.ParseDSN(strings.TrimPrefix(path, mysqlScheme))
	if err != nil {
		return mysqlScheme + "?"
	}
	cfg.Passwd = ""
	return mysqlScheme + cfg.FormatDSN()
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Journal, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: auto-migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record stores one outcome.
func (j *Journal) Record(ctx context.Context, out dispatch.JobOutcome) error {
	e := Entry{
		ID:          uuid.NewString(),
		RecordIndex: out.Index,
		Plate:       out.Plate,
		BatchID:     out.BatchID,
		State:       out.State.String(),
		Step:        out.Step.String(),
		Reason:      out.Reason,
		StopName:    out.StopName,
		Shortcut:    out.Shortcut,
		StartedAt:   out.StartedAt,
		FinishedAt:  out.FinishedAt,
	}
	if out.State != dispatch.StateComplete {
		e.Kind = out.Kind.String()
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}
	if r := out.Route; r != nil {
		e.DistanceKm = r.DistanceKm
		e.DurationMinutes = r.DurationMinutes
		e.BufferMinutes = r.BufferMinutes
		e.HasBuffer = r.HasBuffer
		e.OnTime = r.OnTime
	}

	if err := j.db.WithContext(ctx).Create(&e).Error; err != nil {
		return fmt.Errorf("journal: record job %s: %w", out.Index, err)
	}
	return nil
}

// Query narrows Recent. Zero fields match everything.
type Query struct {
	Index   string
	BatchID string
	State   string
	Limit   int
}

// Recent returns entries newest first.
func (j *Journal) Recent(ctx context.Context, q Query) ([]Entry, error) {
	tx := j.db.WithContext(ctx).Model(&Entry{})
	if q.Index != "" {
		tx = tx.Where("record_index = ?", q.Index)
	}
	if q.BatchID != "" {
		tx = tx.Where("batch_id = ?", q.BatchID)
	}
	if q.State != "" {
		tx = tx.Where("state = ?", q.State)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	if err := tx.Order("finished_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	return entries, nil
}

// StateCounts returns how many jobs ended in each state since t.
func (j *Journal) StateCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	var rows []struct {
		State string
		N     int64
	}
	err := j.db.WithContext(ctx).Model(&Entry{}).
		Select("state, count(*) as n").
		Where("finished_at >= ?", since).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: counts: %w", err)
	}

	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// Close closes the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
