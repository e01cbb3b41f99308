package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/adslot/idgen"
)

// AuditEntry records one control operation: a policy flip, a route-group
// replacement, a mount or a release.
type AuditEntry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"`
	Transport    string    `json:"transport,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	Parameters   string    `json:"parameters"`
	ErrorMessage string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Status       string    `json:"status"`
}

const auditBatch = 100

// AuditLogger persists audit entries from a background goroutine, flushing
// in batches on size, on a ticker and on Close.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
	every  time.Duration
}

// NewAuditLogger starts the flush goroutine. bufferSize bounds the queue;
// a full queue falls back to a synchronous insert.
func (s *Store) NewAuditLogger(bufferSize int, logger *slog.Logger) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditLogger{
		db:     s.db,
		newID:  idgen.Prefixed("audit_", idgen.UUIDv7()),
		logger: logger,
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		every:  5 * time.Second,
	}
	go a.flushLoop()
	return a
}

// Record builds an entry from the operation outcome and queues it.
func (a *AuditLogger) Record(op string, params any, err error, d time.Duration, meta AuditMeta) {
	e := &AuditEntry{
		Operation:  op,
		Transport:  meta.Transport,
		SessionID:  meta.SessionID,
		RequestID:  meta.RequestID,
		Parameters: "{}",
		DurationMs: d.Milliseconds(),
	}
	if params != nil {
		if b, mErr := json.Marshal(params); mErr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	a.LogAsync(e)
}

// AuditMeta carries the request identity of an audited call.
type AuditMeta struct {
	Transport string
	SessionID string
	RequestID string
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("store: audit buffer full, sync fallback", "operation", e.Operation)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("store: audit sync fallback failed", "error", err)
		}
	}
}

// Recent returns the newest entries first, optionally filtered by operation.
func (a *AuditLogger) Recent(ctx context.Context, operation string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT entry_id, timestamp, operation, transport, session_id, request_id,
		parameters, error_message, duration_ms, status FROM audit_log`
	var args []any
	if operation != "" {
		q += " WHERE operation = ?"
		args = append(args, operation)
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var transport, sessionID, requestID, errMsg sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &transport, &sessionID, &requestID,
			&e.Parameters, &errMsg, &durationMs, &e.Status); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Transport = transport.String
		e.SessionID = sessionID.String
		e.RequestID = requestID.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = durationMs.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.every)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, auditBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.insertBatch(ctx, batch); err != nil {
			a.logger.Error("store: audit flush", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= auditBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

const insertAudit = `INSERT INTO audit_log
	(entry_id, timestamp, operation, transport, session_id, request_id,
	 parameters, error_message, duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?)`

func (a *AuditLogger) insertBatch(ctx context.Context, batch []*AuditEntry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, insertAudit)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx, auditArgs(e)...); err != nil {
			a.logger.Error("store: audit insert", "error", err, "entry_id", e.EntryID)
		}
	}
	return tx.Commit()
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, insertAudit, auditArgs(e)...)
	return err
}

func auditArgs(e *AuditEntry) []any {
	return []any{
		e.EntryID, e.Timestamp.UnixMilli(), e.Operation, e.Transport, e.SessionID, e.RequestID,
		e.Parameters, e.ErrorMessage, e.DurationMs, e.Status,
	}
}
