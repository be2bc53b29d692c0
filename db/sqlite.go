// Package db keeps a SQLite journal of served predictions.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"retailforecast/service"
)

const schema = `
CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    lag_1 REAL NOT NULL,
    rolling_mean_7 REAL NOT NULL,
    prediction REAL NOT NULL,
    processing_time REAL NOT NULL,
    model_name TEXT,
    model_version TEXT,
    cached INTEGER NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_predictions_timestamp ON predictions(timestamp);
`

// Journal appends prediction records to SQLite from a single writer goroutine.
// Record never blocks the request path; when the queue is full the record is
// dropped and counted.
type Journal struct {
	db      *sql.DB
	queue   chan service.PredictionRecord
	logger  *zap.Logger
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// Open creates the database file and schema and starts the writer.
func Open(path string, queueSize int, logger *zap.Logger) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	database, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	database.SetMaxOpenConns(1)
	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	j := &Journal{
		db:     database,
		queue:  make(chan service.PredictionRecord, queueSize),
		logger: logger,
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// Record queues rec for writing. It is a no-op after Close.
func (j *Journal) Record(rec service.PredictionRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- rec:
	default:
		j.dropped.Add(1)
		j.logger.Warn("prediction journal queue is full, dropping record", zap.String("request_id", rec.RequestID))
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for rec := range j.queue {
		if err := j.insert(rec); err != nil {
			j.logger.Error("write prediction journal", zap.String("request_id", rec.RequestID), zap.Error(err))
		}
	}
}

func (j *Journal) insert(rec service.PredictionRecord) error {
	cached := 0
	if rec.Cached {
		cached = 1
	}
	_, err := j.db.Exec(`
        INSERT INTO predictions (request_id, lag_1, rolling_mean_7, prediction, processing_time,
            model_name, model_version, cached, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Lag1, rec.RollingMean7, rec.Prediction, rec.ProcessingTime,
		rec.ModelName, rec.ModelVersion, cached, rec.Timestamp.UTC())
	return err
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]service.PredictionRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
        SELECT request_id, lag_1, rolling_mean_7, prediction, processing_time,
            model_name, model_version, cached, timestamp
        FROM predictions
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []service.PredictionRecord
	for rows.Next() {
		var rec service.PredictionRecord
		var name, version sql.NullString
		var cached int
		var ts time.Time
		if err := rows.Scan(&rec.RequestID, &rec.Lag1, &rec.RollingMean7, &rec.Prediction,
			&rec.ProcessingTime, &name, &version, &cached, &ts); err != nil {
			return nil, err
		}
		rec.ModelName = name.String
		rec.ModelVersion = version.String
		rec.Cached = cached == 1
		rec.Timestamp = ts
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Dropped reports how many records were discarded because the queue was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close drains queued records and closes the database.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()

		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}
