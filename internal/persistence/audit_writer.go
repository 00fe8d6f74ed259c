// Package persistence batches the event audit trail into sqlite.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"propfirm-core/internal/events"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

// Record is one audit row.
type Record struct {
	Event   events.Event
	Payload []byte
	Time    time.Time
}

// Stats describes writer throughput.
type Stats struct {
	Written       uint64    `json:"written"`
	Batches       uint64    `json:"batches"`
	Errors        uint64    `json:"errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlush     time.Time `json:"last_flush"`
}

// AuditWriter buffers records and writes them in one transaction per batch,
// on size or on the flush interval.
type AuditWriter struct {
	db       *db.Database
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	buffer []Record
	last   Stats

	written atomic.Uint64
	batches atomic.Uint64
	errs    atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAuditWriter starts the background flusher.
func NewAuditWriter(database *db.Database, maxSize int, interval time.Duration) *AuditWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = time.Second
	}
	w := &AuditWriter{
		db:       database,
		maxSize:  maxSize,
		interval: interval,
		buffer:   make([]Record, 0, maxSize),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write queues r, flushing when the buffer is full.
func (w *AuditWriter) Write(r Record) {
	w.mu.Lock()
	w.buffer = append(w.buffer, r)
	full := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			logger.S().Warnw("audit flush failed", "error", err)
		}
	}
}

// Flush writes every buffered record now.
func (w *AuditWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = make([]Record, 0, w.maxSize)
	w.mu.Unlock()

	err := w.insert(batch)

	w.mu.Lock()
	w.last.LastBatchSize = len(batch)
	w.last.LastFlush = time.Now()
	w.mu.Unlock()
	w.batches.Add(1)
	if err != nil {
		w.errs.Add(1)
		return err
	}
	w.written.Add(uint64(len(batch)))
	return nil
}

func (w *AuditWriter) insert(batch []Record) error {
	return w.db.WithTx(context.Background(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(db.InsertAuditEventQuery)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range batch {
			if _, err := stmt.Exec(string(r.Event), string(r.Payload), r.Time.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				logger.S().Warnw("audit background flush failed", "error", err)
			}
		case <-w.done:
			if err := w.Flush(); err != nil {
				logger.S().Warnw("audit final flush failed", "error", err)
			}
			return
		}
	}
}

// Start records every bus event until ctx is done.
func (w *AuditWriter) Start(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.SubscribeMany(events.All, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				payload, err := json.Marshal(env.Payload)
				if err != nil {
					logger.S().Warnw("audit payload not serializable", "event", env.Event, "error", err)
					continue
				}
				w.Write(Record{Event: env.Event, Payload: payload, Time: env.Time})
			}
		}
	}()
}

// Pending is the number of buffered records.
func (w *AuditWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func (w *AuditWriter) Stats() Stats {
	w.mu.Lock()
	s := w.last
	w.mu.Unlock()
	s.Written = w.written.Load()
	s.Batches = w.batches.Load()
	s.Errors = w.errs.Load()
	return s
}

// Close stops the flusher after a final flush.
func (w *AuditWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
