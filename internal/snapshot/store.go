package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/minio/minio-go/v7"
)

// Store reads and writes snapshot buffers by object path.
type Store interface {
	Put(ctx context.Context, objectPath string, data []byte) error
	Load(ctx context.Context, objectPath string) ([]byte, error)
}

// ObjectStore keeps snapshots in a MinIO or S3 bucket.
type ObjectStore struct {
	object *minio.Client
	bucket string
}

// NewObjectStore creates a store backed by MinIO/S3.
func NewObjectStore(object *minio.Client, bucket string) *ObjectStore {
	return &ObjectStore{object: object, bucket: bucket}
}

// Put uploads a snapshot buffer.
func (s *ObjectStore) Put(ctx context.Context, objectPath string, data []byte) error {
	if s.object == nil {
		return errors.New("object storage client is not configured")
	}
	_, err := s.object.PutObject(ctx, s.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// Load downloads a snapshot buffer.
func (s *ObjectStore) Load(ctx context.Context, objectPath string) ([]byte, error) {
	if s.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := s.object.GetObject(ctx, s.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryStore keeps snapshots in memory. It is used by tests and by the
// embedded deployment when no object storage is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(_ context.Context, objectPath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectPath] = append([]byte(nil), data...)
	return nil
}

// Load returns the object stored at objectPath.
func (m *MemoryStore) Load(_ context.Context, objectPath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectPath)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
