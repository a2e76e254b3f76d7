package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/store"
)

func TestMemoryConformance(t *testing.T) {
	Run(t, func(t *testing.T) store.Storage {
		return NewMemory()
	})
}

func TestMemoryFailCommits(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailCommits(1)

	err := m.Commit(ctx, []store.Record{Rec("a", "1", "2", v1, 0)})
	require.ErrorIs(t, err, ErrInjected)

	all, err := m.LoadAllOutputs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, m.Commit(ctx, []store.Record{Rec("a", "1", "2", v1, 0)}))
	assert.Equal(t, []int{1}, m.CommitSizes())
}

func TestMemoryIdentifierIsPerInstance(t *testing.T) {
	assert.NotEqual(t, NewMemory().Identifier(), NewMemory().Identifier())
}
