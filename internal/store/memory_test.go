package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapserver/internal/models"
)

func addElementMutation(id string) Mutation {
	return func(s models.MapState) (models.MapState, error) {
		if _, exists := s.Elements[id]; !exists {
			s.Order = append(s.Order, id)
		}
		s.Elements[id] = models.ElementSpec{ID: id, Kind: models.KindVector, Visible: true}
		return s, nil
	}
}

func TestMemoryStoreGetCreatesDefault(t *testing.T) {
	s := NewMemoryStore()

	state, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Version)
	assert.Equal(t, models.DefaultCenter, state.Center)
	assert.Equal(t, models.DefaultZoom, state.Zoom)
	assert.Empty(t, state.Elements)
}

func TestMemoryStoreApplyIncrementsVersionByOne(t *testing.T) {
	s := NewMemoryStore()

	state, err := s.Apply(context.Background(), "s1", addElementMutation("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)

	state, err = s.Apply(context.Background(), "s1", addElementMutation("b"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)
	assert.Len(t, state.Elements, 2)
}

func TestMemoryStoreMutationErrorLeavesStateUntouched(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Apply(context.Background(), "s1", addElementMutation("a"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Apply(context.Background(), "s1", func(st models.MapState) (models.MapState, error) {
		st.Elements = nil // would corrupt if committed
		return st, boom
	})
	assert.ErrorIs(t, err, boom)

	state, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
	assert.Len(t, state.Elements, 1)
}

func TestMemoryStoreNoLostUpdates(t *testing.T) {
	s := NewMemoryStore()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(context.Background(), "s1", func(st models.MapState) (models.MapState, error) {
				st.Zoom = st.Zoom + 0.1
				return st, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), state.Version)
}

func TestMemoryStoreSessionsAreIsolated(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Apply(context.Background(), "s1", addElementMutation("a"))
	require.NoError(t, err)

	other, err := s.Get(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Version)
	assert.Empty(t, other.Elements)
}

func TestMemoryStoreApplyReturnsCopy(t *testing.T) {
	s := NewMemoryStore()

	snap, err := s.Apply(context.Background(), "s1", addElementMutation("a"))
	require.NoError(t, err)

	el := snap.Elements["a"]
	el.Visible = false
	snap.Elements["a"] = el

	stored, err := s.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, stored.Elements["a"].Visible)
}

func TestMemoryStoreSweepIdle(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Apply(context.Background(), "old", addElementMutation("a"))
	require.NoError(t, err)

	// backdate the session
	s.mu.Lock()
	s.sessions["old"].updated = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	_, err = s.Apply(context.Background(), "fresh", addElementMutation("a"))
	require.NoError(t, err)

	removed, err := s.SweepIdle(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	state, err := s.Get(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Version)

	state, err = s.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
}
