package rag

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/clock"
)

func TestStatus_Lifecycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := NewStatus(clk)

	snap := s.Snapshot()
	assert.Equal(t, StateNotStarted, snap.State)
	assert.Nil(t, snap.LoadedAt)
	assert.False(t, s.Ready())

	s.BeginLoading()
	assert.Equal(t, StateLoading, s.Snapshot().State)
	assert.False(t, s.Ready())

	clk.Advance(time.Minute)
	s.Complete(42)
	snap = s.Snapshot()
	assert.Equal(t, StateReady, snap.State)
	assert.Equal(t, 42, snap.DocumentCount)
	require.NotNil(t, snap.LoadedAt)
	assert.Equal(t, clk.Now(), *snap.LoadedAt)
	assert.True(t, s.Ready())
}

func TestStatus_Fail(t *testing.T) {
	s := NewStatus(clock.NewFake(time.Now()))

	s.BeginLoading()
	s.Fail(errors.New("crawl blew up"))

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "crawl blew up", snap.LastError)
	assert.False(t, s.Ready())
}

func TestStatus_ReloadKeepsCountUntilComplete(t *testing.T) {
	s := NewStatus(clock.NewFake(time.Now()))

	s.BeginLoading()
	s.Complete(10)

	s.BeginLoading()
	snap := s.Snapshot()
	assert.Equal(t, StateLoading, snap.State)
	assert.Equal(t, 10, snap.DocumentCount, "previous count stays visible during reload")
	assert.Empty(t, snap.LastError)

	s.Complete(12)
	assert.Equal(t, 12, s.Snapshot().DocumentCount)
}
