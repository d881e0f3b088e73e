package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phonecheck/phonecheck/internal/store"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	b, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	return NewIndex(store.New(b, time.Second))
}

func TestIndex_NoSession(t *testing.T) {
	x := newTestIndex(t)
	id, ok, err := x.CurrentJob(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestIndex_SetReplaceClear(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	prev, err := x.SetCurrentJob(ctx, 1, "job-a")
	require.NoError(t, err)
	assert.Empty(t, prev)

	prev, err = x.SetCurrentJob(ctx, 1, "job-b")
	require.NoError(t, err)
	assert.Equal(t, "job-a", prev)

	id, ok, err := x.CurrentJob(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "job-b", id)

	// Other users are untouched.
	_, ok, err = x.CurrentJob(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, x.ClearCurrentJob(ctx, 1))
	_, ok, err = x.CurrentJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing twice is harmless.
	require.NoError(t, x.ClearCurrentJob(ctx, 1))
}

func TestIndex_SameJobIsNotAReplacement(t *testing.T) {
	ctx := context.Background()
	x := newTestIndex(t)

	_, err := x.SetCurrentJob(ctx, 1, "job-a")
	require.NoError(t, err)
	prev, err := x.SetCurrentJob(ctx, 1, "job-a")
	require.NoError(t, err)
	assert.Empty(t, prev)
}
