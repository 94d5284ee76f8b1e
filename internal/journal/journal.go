// Package journal persists the inbound event stream to PostgreSQL for
// replay and debugging. It is optional; the client runs without it.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskhollow/mudclient/internal/events"
)

// Config holds batching parameters for the journal.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// DefaultConfig returns production batching parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Metrics counts journal activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Dropped   int64
	Errors    int64
	Flushes   int64
}

type eventRow struct {
	ID         uuid.UUID
	SessionID  string
	EventType  string
	Sequence   int64
	RoomID     string
	Payload    []byte
	ReceivedAt int64
}

// Journal consumes recorded events and writes them to the
// session_events table in batches.
type Journal struct {
	cfg    Config
	logger *slog.Logger

	input chan eventRow

	db *pgxpool.Pool

	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

// New creates a Journal writing to db.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Journal{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan eventRow, cfg.BufferSize),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming recorded events and writing to the database.
func (j *Journal) Start(ctx context.Context) error {
	j.ctx, j.cancel = context.WithCancel(ctx)
	j.flushTicker = time.NewTicker(j.cfg.FlushInterval)

	j.wg.Add(1)
	go j.consumeLoop()

	j.wg.Add(1)
	go j.flushLoop()

	j.logger.Info("journal started",
		"batch_size", j.cfg.BatchSize,
		"flush_interval", j.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the journal.
func (j *Journal) Stop(ctx context.Context) error {
	j.logger.Info("stopping journal")

	if j.cancel != nil {
		j.cancel()
	}

	if j.flushTicker != nil {
		j.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		j.logger.Info("journal stopped")
	case <-ctx.Done():
		j.logger.Warn("journal stop timed out")
	}

	// Final flush
	j.flush()

	return nil
}

// Record queues an event for persistence. It never blocks the caller;
// when the buffer is full the event is dropped and counted.
func (j *Journal) Record(sessionID string, ev events.Event) {
	select {
	case j.input <- j.transform(sessionID, ev):
	default:
		j.batchMu.Lock()
		j.metrics.Dropped++
		j.batchMu.Unlock()
	}
}

// Stats returns current metrics.
func (j *Journal) Stats() Metrics {
	j.batchMu.Lock()
	defer j.batchMu.Unlock()
	return j.metrics
}

func (j *Journal) consumeLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case row := <-j.input:
			j.handleRow(row)
		}
	}
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-j.flushTicker.C:
			j.flush()
		}
	}
}

func (j *Journal) handleRow(row eventRow) {
	j.batchMu.Lock()
	j.batch = append(j.batch, row)
	shouldFlush := len(j.batch) >= j.cfg.BatchSize
	j.batchMu.Unlock()

	if shouldFlush {
		j.flush()
	}
}

// transform converts an event to its storage row. The payload keeps the
// raw data object so new event shapes survive without schema changes.
func (j *Journal) transform(sessionID string, ev events.Event) eventRow {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		payload = []byte("null")
	}
	return eventRow{
		ID:         uuid.New(),
		SessionID:  sessionID,
		EventType:  ev.Type,
		Sequence:   ev.Sequence,
		RoomID:     ev.RoomID,
		Payload:    payload,
		ReceivedAt: time.Now().UnixMicro(),
	}
}

// flush writes the current batch to the database.
func (j *Journal) flush() {
	j.batchMu.Lock()
	if len(j.batch) == 0 {
		j.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := j.batch
	j.batch = make([]eventRow, 0, j.cfg.BatchSize)
	j.batchMu.Unlock()

	start := time.Now()

	conflicts, err := j.batchInsert(batch)
	if err != nil {
		j.logger.Error("batch insert failed", "error", err, "count", len(batch))
		j.batchMu.Lock()
		j.metrics.Errors++
		j.batchMu.Unlock()
		return
	}

	j.batchMu.Lock()
	j.metrics.Inserts += int64(len(batch) - conflicts)
	j.metrics.Conflicts += int64(conflicts)
	j.metrics.Flushes++
	j.batchMu.Unlock()

	j.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (j *Journal) batchInsert(rows []eventRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO session_events (id, session_id, event_type, sequence_number, room_id, payload, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
		`, r.ID, r.SessionID, r.EventType, r.Sequence, r.RoomID, r.Payload, r.ReceivedAt)
	}

	results := j.db.SendBatch(j.ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
