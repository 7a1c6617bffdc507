package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/storage"
)

func TestSnapshotPolicyTriggersAtThreshold(t *testing.T) {
	t.Parallel()

	policy := storage.NewSnapshotPolicy(3)
	require.False(t, policy.RecordOperation("doc1"))
	require.False(t, policy.RecordOperation("doc1"))
	require.False(t, policy.Due("doc1"))
	require.True(t, policy.RecordOperation("doc1"))
	require.True(t, policy.Due("doc1"))

	// Documents are counted separately.
	require.False(t, policy.RecordOperation("doc2"))
	require.Equal(t, 1, policy.OperationsSinceSnapshot("doc2"))
}

func TestSnapshotPolicyReset(t *testing.T) {
	t.Parallel()

	policy := storage.NewSnapshotPolicy(2)
	policy.RecordOperation("doc1")
	policy.RecordOperation("doc1")
	policy.Reset("doc1")

	require.Zero(t, policy.OperationsSinceSnapshot("doc1"))
	require.False(t, policy.RecordOperation("doc1"))
	require.True(t, policy.RecordOperation("doc1"))
}

func TestSnapshotPolicyMinimumThreshold(t *testing.T) {
	t.Parallel()

	policy := storage.NewSnapshotPolicy(0)
	require.True(t, policy.RecordOperation("doc1"))
}
