package engine

import (
	"context"
	"testing"

	"github.com/aretw0/introspection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/store/storetest"
)

func TestState(t *testing.T) {
	st := storetest.NewMemory()
	s := newTestSnapper(t, seq(1, 3), double, st, WithBatchSize(5), WithCacheIterable(true))

	var intro introspection.Introspectable = s
	state, ok := intro.State().(SnapperState)
	require.True(t, ok)
	assert.Equal(t, st.Identifier(), state.Storage)
	assert.Equal(t, "storage", state.StorageType)
	assert.Equal(t, PhaseInit, state.Phase)
	assert.Equal(t, "declared", state.VersionTier)
	assert.Equal(t, 5, state.BatchSize)
	assert.Equal(t, "json", state.Codec)
	assert.Nil(t, state.LastRun)

	_, err := s.Start(context.Background())
	require.NoError(t, err)

	state = s.State().(SnapperState)
	assert.Equal(t, PhaseDone, state.Phase)
	assert.False(t, state.Running)
	assert.Equal(t, 0, state.Pending)
	assert.Equal(t, 3, state.CachedItems)
	require.NotNil(t, state.LastRun)
	assert.Equal(t, 3, state.LastRun.Processed)
	assert.Equal(t, "snapper", s.ComponentType())
}
