package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	e, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestSearchByDisplayName(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.IndexBatch(ctx, []ProfileDoc{
		{UserID: "u1", DisplayName: "morning runner", Active: true},
		{UserID: "u2", DisplayName: "night owl", Active: true},
		{UserID: "u3", DisplayName: "morning star", Active: false},
	}))

	hits, err := e.Search(ctx, "morning", 10)
	require.NoError(t, err)
	// 非 active 档案不出现在结果里
	require.Len(t, hits, 1)
	assert.Equal(t, "u1", hits[0].UserID)
	assert.Equal(t, "morning runner", hits[0].DisplayName)
}

func TestSearchPrefixMatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, ProfileDoc{UserID: "u1", DisplayName: "pacemaker", Active: true}))

	hits, err := e.Search(ctx, "pace", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "u1", hits[0].UserID)
}

func TestSearchAfterDelete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Index(ctx, ProfileDoc{UserID: "u1", DisplayName: "sprinter", Active: true}))
	require.NoError(t, e.Delete(ctx, "u1"))

	hits, err := e.Search(ctx, "sprinter", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchClosedEngine(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	_, err := e.Search(context.Background(), "any", 10)
	assert.ErrorIs(t, err, ErrClosed)
}
