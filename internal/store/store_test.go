package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonathan/collagent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SaveGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	report := types.Report{JobID: "j1", State: "completed", Turns: 4}
	require.NoError(t, m.Save(ctx, report))

	got, err := m.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, report, got)

	require.NoError(t, m.Close())
	_, err = m.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Save(ctx, types.Report{JobID: "j1"}))
	now = now.Add(30 * time.Second)
	_, err := m.Get(ctx, "j1")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "j1")
	assert.ErrorIs(t, err, ErrNotFound)
}
