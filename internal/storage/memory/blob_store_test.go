package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "callbacks/run-1.json", "application/json",
		bytes.NewBufferString(`{"job_id":"run-1"}`))
	require.NoError(t, err)
	require.Equal(t, "memory://callbacks/run-1.json", uri)

	body, contentType, ok := store.Object("callbacks/run-1.json")
	require.True(t, ok)
	require.Equal(t, "application/json", contentType)
	body[0] = 'X'

	again, _, _ := store.Object("callbacks/run-1.json")
	require.JSONEq(t, `{"job_id":"run-1"}`, string(again))
	require.Equal(t, []string{"callbacks/run-1.json"}, store.Paths())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
