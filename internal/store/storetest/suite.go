package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/snapper/internal/fingerprint"
	"github.com/roach88/snapper/internal/keys"
	"github.com/roach88/snapper/internal/metrics"
	"github.com/roach88/snapper/internal/store"
)

const (
	v1 = fingerprint.Version("1111111111111111111111111111111111111111111111111111111111111111")
	v2 = fingerprint.Version("2222222222222222222222222222222222222222222222222222222222222222")
)

// Rec builds a record with JSON-ish byte payloads.
func Rec(key string, input, output string, version fingerprint.Version, index int) store.Record {
	return store.Record{
		Key:     keys.Key(key),
		Input:   []byte(input),
		Output:  []byte(output),
		Version: version,
		Index:   index,
	}
}

// Run exercises the Storage contract against stores built by open. Each
// subtest gets a fresh, empty store.
func Run(t *testing.T, open func(t *testing.T) store.Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		s := open(t)

		inputs, err := s.LoadInputs(ctx)
		require.NoError(t, err)
		assert.Empty(t, inputs)

		outputs, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Empty(t, outputs)

		all, err := s.LoadAllOutputs(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		_, ok, err := s.LoadFunctionVersion(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		assert.NotEmpty(t, s.Identifier())
	})

	t.Run("function version round trip", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.StoreFunctionVersion(ctx, v1))
		require.NoError(t, s.StoreFunctionVersion(ctx, v2))

		got, ok, err := s.LoadFunctionVersion(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, v2, got)
	})

	t.Run("single writes", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.StoreOutput(ctx, "a", []byte("A"), v1))
		require.NoError(t, s.StoreInput(ctx, "a", []byte("in-a")))

		inputs, err := s.LoadInputs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("in-a")}, inputs)

		outputs, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("A")}, outputs)
	})

	t.Run("commit", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Commit(ctx, []store.Record{
			Rec("a", "1", "2", v1, 0),
			Rec("b", "2", "4", v1, 1),
		}))

		inputs, err := s.LoadInputs(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("1"), "b": []byte("2")}, inputs)

		outputs, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("2"), "b": []byte("4")}, outputs)

		other, err := s.LoadOutputsForVersion(ctx, v2)
		require.NoError(t, err)
		assert.Empty(t, other)

		all, err := s.LoadAllOutputs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, store.Entry{Key: "a", Output: []byte("2"), Version: v1, Index: 0}, all[0])
		assert.Equal(t, store.Entry{Key: "b", Output: []byte("4"), Version: v1, Index: 1}, all[1])
	})

	t.Run("empty commit", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Commit(ctx, nil))
		all, err := s.LoadAllOutputs(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("last write wins per key and version", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Commit(ctx, []store.Record{Rec("a", "1", "old", v1, 0)}))
		require.NoError(t, s.Commit(ctx, []store.Record{Rec("a", "1", "new", v1, 0)}))

		outputs, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("new")}, outputs)

		all, err := s.LoadAllOutputs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, []byte("new"), all[0].Output)
	})

	t.Run("versions are kept apart", func(t *testing.T) {
		s := open(t)

		require.NoError(t, s.Commit(ctx, []store.Record{
			Rec("a", "1", "a1", v1, 0),
			Rec("b", "2", "b1", v1, 1),
		}))
		require.NoError(t, s.Commit(ctx, []store.Record{Rec("a", "1", "a2", v2, 0)}))

		old, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("a1"), "b": []byte("b1")}, old)

		cur, err := s.LoadOutputsForVersion(ctx, v2)
		require.NoError(t, err)
		assert.Equal(t, map[keys.Key][]byte{"a": []byte("a2")}, cur)

		all, err := s.LoadAllOutputs(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, keys.Key("b"), all[0].Key)
		assert.Equal(t, keys.Key("a"), all[1].Key)
		assert.Equal(t, v2, all[1].Version)
		assert.Equal(t, []byte("a2"), all[1].Output)
	})

	t.Run("binary payloads", func(t *testing.T) {
		s := open(t)
		payload := []byte{0x00, 0xff, '\n', '"'}

		require.NoError(t, s.Commit(ctx, []store.Record{{Key: "bin", Input: payload, Output: payload, Version: v1}}))

		outputs, err := s.LoadOutputsForVersion(ctx, v1)
		require.NoError(t, err)
		assert.Equal(t, payload, outputs["bin"])
	})

	t.Run("metrics", func(t *testing.T) {
		s := open(t)
		ms, ok := s.(store.MetricsStorage)
		if !ok {
			t.Skip("backend does not persist metrics")
		}

		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		in := []metrics.Metric{
			metrics.New("a", 1, start, start.Add(time.Second), nil),
			metrics.New("b", "x", start, start.Add(2*time.Second), assert.AnError),
		}
		require.NoError(t, ms.StoreMetrics(ctx, in[:1]))
		require.NoError(t, ms.StoreMetrics(ctx, in[1:]))

		got, err := ms.LoadMetrics(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		for i := range in {
			assert.Equal(t, in[i].Key, got[i].Key)
			assert.JSONEq(t, string(in[i].Input), string(got[i].Input))
			assert.True(t, in[i].Start.Equal(got[i].Start))
			assert.True(t, in[i].End.Equal(got[i].End))
			assert.Equal(t, in[i].Success, got[i].Success)
			assert.Equal(t, in[i].Error, got[i].Error)
		}
	})

	t.Run("runs", func(t *testing.T) {
		s := open(t)
		rs, ok := s.(store.RunStorage)
		if !ok {
			t.Skip("backend does not keep run history")
		}

		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, rs.RecordRun(ctx, store.RunInfo{
				ID:         id,
				Version:    v1,
				StartedAt:  start.Add(time.Duration(i) * time.Minute),
				FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
				Processed:  i,
				Outcome:    store.OutcomeDone,
			}))
		}

		runs, err := rs.ListRuns(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "r3", runs[0].ID)
		assert.Equal(t, "r2", runs[1].ID)
		assert.Equal(t, 2, runs[0].Processed)
		assert.Equal(t, store.OutcomeDone, runs[0].Outcome)
		assert.True(t, runs[0].StartedAt.Equal(start.Add(2*time.Minute)))

		all, err := rs.ListRuns(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}
