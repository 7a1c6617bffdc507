package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/example/richtext-sync/internal/types"
)

var (
	bucketUpdates     = []byte("updates")
	bucketOperations  = []byte("operations")
	bucketCheckpoints = []byte("checkpoints")
	bucketSnapshots   = []byte("snapshots")
	bucketBlobs       = []byte("blobs")
)

// BoltLog is an UpdateLog stored in a single bbolt file. Updates live in one
// nested bucket per document keyed by big-endian LSN; the LSN sequence is
// shared by all documents.
type BoltLog struct {
	db *bolt.DB
}

var _ UpdateLog = (*BoltLog)(nil)

// OpenBoltLog opens or creates the log file at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt log: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUpdates, bucketOperations, bucketCheckpoints, bucketSnapshots, bucketBlobs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt log: %w", err)
	}
	return &BoltLog{db: db}, nil
}

func lsnKey(lsn int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(lsn))
	return key
}

func keyLSN(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func operationKey(docID types.DocumentID, opID types.OperationID) []byte {
	key := make([]byte, 0, len(docID)+1+len(opID))
	key = append(key, docID...)
	key = append(key, 0)
	return append(key, opID...)
}

// AppendUpdate stores record under the next LSN.
func (l *BoltLog) AppendUpdate(ctx context.Context, record types.UpdateRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	var lsn int64
	err := l.db.Update(func(tx *bolt.Tx) error {
		ops := tx.Bucket(bucketOperations)
		opKey := operationKey(record.Document, record.Operation)
		if ops.Get(opKey) != nil {
			return fmt.Errorf("operation %s already logged", record.Operation)
		}

		root := tx.Bucket(bucketUpdates)
		seq, err := root.NextSequence()
		if err != nil {
			return err
		}
		lsn = int64(seq)
		record.LSN = lsn

		docs, err := root.CreateBucketIfNotExists([]byte(record.Document))
		if err != nil {
			return err
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		if err := docs.Put(lsnKey(lsn), data); err != nil {
			return err
		}
		return ops.Put(opKey, lsnKey(lsn))
	})
	walAppendLatency.WithLabelValues(string(record.Document)).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}
	return lsn, nil
}

// ReplayDocument scans updates for a document in LSN order. Records are read
// in one transaction and handed to handler after it closes, so the handler may
// append to the log.
func (l *BoltLog) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.UpdateRecord) error) error {
	start := time.Now()
	defer func() {
		walReplayLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	}()

	var records []types.UpdateRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if docs == nil {
			return nil
		}
		c := docs.Cursor()
		for k, v := c.Seek(lsnKey(fromLSN + 1)); k != nil; k, v = c.Next() {
			var record types.UpdateRecord
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			record.LSN = keyLSN(k)
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(record); err != nil {
			return err
		}
	}
	return nil
}

// ActiveDocuments lists every document with at least one update, sorted.
func (l *BoltLog) ActiveDocuments(context.Context) ([]types.DocumentID, error) {
	var docs []types.DocumentID
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUpdates).ForEach(func(k, v []byte) error {
			if v == nil {
				docs = append(docs, types.DocumentID(k))
			}
			return nil
		})
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	return docs, err
}

// LastCheckpoint returns the checkpointed LSN of docID, or 0.
func (l *BoltLog) LastCheckpoint(_ context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketCheckpoints).Get([]byte(docID)); v != nil {
			lsn = keyLSN(v)
		}
		return nil
	})
	return lsn, err
}

// RecordCheckpoint stores lsn as the checkpoint of docID unless a later one
// is already recorded.
func (l *BoltLog) RecordCheckpoint(_ context.Context, docID types.DocumentID, lsn int64) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpoints)
		if v := b.Get([]byte(docID)); v != nil && keyLSN(v) >= lsn {
			return nil
		}
		return b.Put([]byte(docID), lsnKey(lsn))
	})
}

// RecordSnapshot stores a snapshot reference keyed by its LSN.
func (l *BoltLog) RecordSnapshot(_ context.Context, ref SnapshotRef) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal snapshot ref: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketSnapshots).CreateBucketIfNotExists([]byte(ref.Document))
		if err != nil {
			return err
		}
		return b.Put(lsnKey(ref.LastLSN), data)
	})
}

// LatestSnapshot returns the newest snapshot of docID.
func (l *BoltLog) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	return l.SnapshotBeforeLSN(ctx, docID, -1)
}

// SnapshotBeforeLSN returns the newest snapshot with LastLSN <= lsn. A
// negative lsn matches any snapshot.
func (l *BoltLog) SnapshotBeforeLSN(_ context.Context, docID types.DocumentID, lsn int64) (SnapshotRef, error) {
	var ref SnapshotRef
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		var k, v []byte
		if lsn < 0 {
			k, v = c.Last()
		} else {
			k, v = c.Seek(lsnKey(lsn))
			switch {
			case k == nil:
				k, v = c.Last()
			case !bytes.Equal(k, lsnKey(lsn)):
				k, v = c.Prev()
			}
		}
		if k == nil {
			return nil
		}
		return json.Unmarshal(v, &ref)
	})
	return ref, err
}

// LSNForOperation resolves an operation id to its LSN and append time.
func (l *BoltLog) LSNForOperation(_ context.Context, docID types.DocumentID, opID types.OperationID) (int64, time.Time, error) {
	var (
		lsn       int64
		createdAt time.Time
	)
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOperations).Get(operationKey(docID, opID))
		if v == nil {
			return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		lsn = keyLSN(v)
		docs := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if docs == nil {
			return fmt.Errorf("operation %s: %w", opID, ErrNotFound)
		}
		var record types.UpdateRecord
		if err := record.UnmarshalBinary(docs.Get(v)); err != nil {
			return err
		}
		createdAt = record.CreatedAt
		return nil
	})
	return lsn, createdAt, err
}

// LSNForTime returns the highest LSN of docID appended at or before ts.
func (l *BoltLog) LSNForTime(_ context.Context, docID types.DocumentID, ts time.Time) (int64, error) {
	var lsn int64
	err := l.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if docs == nil {
			return nil
		}
		c := docs.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var record types.UpdateRecord
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			if !record.CreatedAt.After(ts) {
				lsn = keyLSN(k)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if lsn == 0 {
		return 0, fmt.Errorf("no updates before %s: %w", ts.Format(time.RFC3339), ErrNotFound)
	}
	return lsn, nil
}

// OperationCountAfterLSN counts the updates of docID appended after lsn.
func (l *BoltLog) OperationCountAfterLSN(_ context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := l.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketUpdates).Bucket([]byte(docID))
		if docs == nil {
			return nil
		}
		c := docs.Cursor()
		for k, _ := c.Seek(lsnKey(lsn + 1)); k != nil; k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the database file.
func (l *BoltLog) Close() error {
	return l.db.Close()
}

// BoltBlobs stores snapshot buffers in the log file itself, for deployments
// without object storage.
type BoltBlobs struct {
	db *bolt.DB
}

// Blobs returns a blob store sharing the log file.
func (l *BoltLog) Blobs() *BoltBlobs {
	return &BoltBlobs{db: l.db}
}

// Put stores data under objectPath.
func (b *BoltBlobs) Put(_ context.Context, objectPath string, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(objectPath), data)
	})
}

// Load returns the blob stored under objectPath.
func (b *BoltBlobs) Load(_ context.Context, objectPath string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(objectPath))
		if v == nil {
			return fmt.Errorf("blob %s: %w", objectPath, ErrNotFound)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
