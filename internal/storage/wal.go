package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/richtext-sync/internal/types"
)

// WAL is the Postgres implementation of UpdateLog.
type WAL struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// WALOption configures the WAL store.
type WALOption func(*WAL)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) WALOption {
	return func(w *WAL) {
		w.maxRetries = n
	}
}

// WithRetryDelay sets the initial delay between retries.
func WithRetryDelay(d time.Duration) WALOption {
	return func(w *WAL) {
		w.retryDelay = d
	}
}

// NewWAL constructs a WAL helper using the provided Postgres pool. The pool
// stays owned by the caller.
func NewWAL(pool *pgxpool.Pool, opts ...WALOption) *WAL {
	w := &WAL{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ UpdateLog = (*WAL)(nil)

// AppendUpdate durably stores an update buffer and returns its LSN.
func (w *WAL) AppendUpdate(ctx context.Context, record types.UpdateRecord) (int64, error) {
	ctx, span := walTracer.Start(ctx, "wal.AppendUpdate", trace.WithAttributes(
		attribute.String("document", string(record.Document)),
		attribute.String("op_id", string(record.Operation)),
	))
	defer span.End()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	version, err := json.Marshal(record.Version)
	if err != nil {
		return 0, fmt.Errorf("marshal version: %w", err)
	}

	start := time.Now()
	var lsn int64
	err = w.retry(ctx, func(ctx context.Context) error {
		tx, err := w.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_updates (document_id, op_id, client_id, version, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			record.Document, record.Operation, record.Client, version, record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	walAppendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have log entries.
func (w *WAL) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := w.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_updates ORDER BY document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans updates for a document in LSN order.
func (w *WAL) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.UpdateRecord) error) error {
	ctx, span := walTracer.Start(ctx, "wal.ReplayDocument", trace.WithAttributes(
		attribute.String("document", string(docID)),
		attribute.Int64("from_lsn", fromLSN),
	))
	defer span.End()
	start := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	rows, err := w.pool.Query(ctx, `
SELECT lsn, document_id, op_id, client_id, version, payload, created_at
FROM document_updates
WHERE document_id = $1 AND lsn > $2
ORDER BY lsn`, docID, fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			record  types.UpdateRecord
			version []byte
		)
		if err := rows.Scan(&record.LSN, &record.Document, &record.Operation, &record.Client, &version, &record.Payload, &record.CreatedAt); err != nil {
			return err
		}
		if len(version) > 0 {
			if err := json.Unmarshal(version, &record.Version); err != nil {
				return fmt.Errorf("decode version: %w", err)
			}
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastCheckpoint returns the most recent checkpointed LSN for a document.
func (w *WAL) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := w.pool.QueryRow(ctx, `
SELECT last_lsn FROM document_checkpoints WHERE document_id = $1`, docID).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (w *WAL) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
INSERT INTO document_checkpoints (document_id, last_lsn)
VALUES ($1, $2)
ON CONFLICT (document_id)
DO UPDATE SET last_lsn = GREATEST(document_checkpoints.last_lsn, EXCLUDED.last_lsn), checkpointed_at = now()`,
			docID, lsn)
		return err
	})
}

// RecordSnapshot stores a snapshot reference.
func (w *WAL) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	version, err := json.Marshal(ref.Version)
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}
	return w.retry(ctx, func(ctx context.Context) error {
		_, err := w.pool.Exec(ctx, `
INSERT INTO document_snapshots (document_id, op_id, version, object_path, last_lsn, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			ref.Document, ref.OperationID, version, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the newest snapshot for a document.
func (w *WAL) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return w.snapshotBefore(ctx, docID, -1)
}

// SnapshotBeforeLSN returns the newest snapshot whose LSN does not exceed lsn.
func (w *WAL) SnapshotBeforeLSN(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	return w.snapshotBefore(ctx, docID, lsn)
}

func (w *WAL) snapshotBefore(ctx context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	var (
		ref     SnapshotRef
		version []byte
	)
	err := w.pool.QueryRow(ctx, `
SELECT document_id, op_id, version, object_path, last_lsn, created_at
FROM document_snapshots
WHERE document_id = $1 AND ($2::bigint < 0 OR last_lsn <= $2::bigint)
ORDER BY last_lsn DESC, id DESC
LIMIT 1`, docID, lsn).Scan(&ref.Document, &ref.OperationID, &version, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	if len(version) > 0 {
		if err := json.Unmarshal(version, &ref.Version); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode version: %w", err)
		}
	}
	return ref, nil
}

// LSNForOperation resolves an operation id to its LSN and append time.
func (w *WAL) LSNForOperation(ctx context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var (
		lsn       int64
		createdAt time.Time
	)
	err := w.pool.QueryRow(ctx, `
SELECT lsn, created_at FROM document_updates WHERE document_id = $1 AND op_id = $2`,
		docID, opID).Scan(&lsn, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("operation %s: %w", opID, ErrNotFound)
	}
	return lsn, createdAt, err
}

// LSNForTime returns the highest LSN appended at or before ts.
func (w *WAL) LSNForTime(ctx context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn *int64
	err := w.pool.QueryRow(ctx, `
SELECT max(lsn) FROM document_updates WHERE document_id = $1 AND created_at <= $2`,
		docID, ts).Scan(&lsn)
	if err != nil {
		return 0, err
	}
	if lsn == nil {
		return 0, fmt.Errorf("no updates before %s: %w", ts.Format(time.RFC3339), ErrNotFound)
	}
	return *lsn, nil
}

// OperationCountAfterLSN counts the updates appended after lsn.
func (w *WAL) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := w.pool.QueryRow(ctx, `
SELECT count(*) FROM document_updates WHERE document_id = $1 AND lsn > $2`,
		docID, lsn).Scan(&count)
	return count, err
}

// Close is a no-op; the pool belongs to the caller.
func (w *WAL) Close() error { return nil }

func (w *WAL) retry(ctx context.Context, fn func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retryDelay
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && !isTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(w.maxRetries+1)))
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
