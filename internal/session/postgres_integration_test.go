package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/session"
	"github.com/askdocs/askdocs/internal/testutil"
)

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	tdb, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewPostgresStore(tdb.Pool)
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reg := session.NewRegistry(store, clk, 3)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s, err := reg.Create(ctx)
		require.NoError(t, err)

		got, err := reg.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.True(t, got.CreatedAt.Equal(s.CreatedAt))
		assert.Empty(t, got.Messages)
	})

	t.Run("append orders by sequence", func(t *testing.T) {
		s, err := reg.Create(ctx)
		require.NoError(t, err)

		sources := []session.Source{{URL: "https://docs.example.com/a", Title: "A", Score: 0.8}}
		for i := range 5 {
			clk.Advance(time.Second)
			role := session.RoleUser
			var src []session.Source
			if i%2 == 1 {
				role = session.RoleAssistant
				src = sources
			}
			_, err := reg.AppendMessage(ctx, s.ID, role, fmt.Sprintf("turn %d", i), src)
			require.NoError(t, err)
		}

		got, err := reg.Get(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 5)
		for i, m := range got.Messages {
			assert.Equal(t, fmt.Sprintf("turn %d", i), m.Content)
		}
		assert.Equal(t, sources, got.Messages[1].Sources)

		window, err := reg.ContextWindow(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, window, 3)
		assert.Equal(t, "turn 2", window[0].Content)
	})

	t.Run("concurrent appends keep every message", func(t *testing.T) {
		s, err := reg.Create(ctx)
		require.NoError(t, err)

		const appends = 10
		var wg sync.WaitGroup
		for i := range appends {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := reg.AppendMessage(ctx, s.ID, session.RoleUser, fmt.Sprintf("m%d", i), nil)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := reg.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Len(t, got.Messages, appends)
	})

	t.Run("unknown session", func(t *testing.T) {
		s, err := reg.Create(ctx)
		require.NoError(t, err)

		removed, err := store.DeleteIdleBefore(ctx, clk.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, 1)

		_, err = reg.Get(ctx, s.ID)
		assert.ErrorIs(t, err, session.ErrNotFound)
		_, err = reg.AppendMessage(ctx, s.ID, session.RoleUser, "ghost", nil)
		assert.ErrorIs(t, err, session.ErrNotFound)
	})
}
