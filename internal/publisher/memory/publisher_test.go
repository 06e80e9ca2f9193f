package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsByTopic(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "config.published", map[string]int{"version": 1})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)
	_, err = p.Publish(context.Background(), "testrun.completed", "run-1")
	require.NoError(t, err)

	require.Len(t, p.Messages(), 2)
	require.Equal(t, []any{"run-1"}, p.ByTopic("testrun.completed"))
}

func TestPublisherInjectedError(t *testing.T) {
	t.Parallel()

	p := New()
	p.Err = errors.New("unavailable")
	_, err := p.Publish(context.Background(), "x", nil)
	require.Error(t, err)
	require.Empty(t, p.Messages())
}
