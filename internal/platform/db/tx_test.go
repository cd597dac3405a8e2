package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRunnerRollsBackInReverseOrder(t *testing.T) {
	var trail []string
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { trail = append(trail, "first") })
		OnRollback(ctx, func() { trail = append(trail, "second") })
		return errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Equal(t, []string{"second", "first"}, trail)
}

func TestMemoryRunnerNestedJoinsOuterUnit(t *testing.T) {
	undone := false
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		require.NoError(t, MemoryRunner{}.InTx(ctx, func(ctx context.Context) error {
			OnRollback(ctx, func() { undone = true })
			return nil
		}))
		return errors.New("outer failed")
	})
	require.Error(t, err)
	require.True(t, undone)
}

func TestMemoryRunnerCommitDropsJournal(t *testing.T) {
	undone := false
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		OnRollback(ctx, func() { undone = true })
		return nil
	})
	require.NoError(t, err)
	require.False(t, undone)
	OnRollback(context.Background(), func() { undone = true })
	require.False(t, undone)
}

func TestAfterUnitRunsOnceOutermostUnitEnds(t *testing.T) {
	var trail []string
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		require.True(t, AfterUnit(ctx, func() { trail = append(trail, "after") }))
		OnRollback(ctx, func() { trail = append(trail, "undo") })
		require.NoError(t, MemoryRunner{}.InTx(ctx, func(ctx context.Context) error {
			AfterUnit(ctx, func() { trail = append(trail, "nested") })
			return nil
		}))
		require.Empty(t, trail)
		return errors.New("rolled back")
	})
	require.Error(t, err)
	require.Equal(t, []string{"undo", "nested", "after"}, trail)

	trail = nil
	require.NoError(t, MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		AfterUnit(ctx, func() { trail = append(trail, "committed") })
		return nil
	}))
	require.Equal(t, []string{"committed"}, trail)
	require.False(t, AfterUnit(context.Background(), func() {}))
}

func TestUnitLocalIsSharedWithinUnit(t *testing.T) {
	type key struct{}
	calls := 0
	init := func() any { calls++; return new(int) }
	err := MemoryRunner{}.InTx(context.Background(), func(ctx context.Context) error {
		first, ok := UnitLocal(ctx, key{}, init)
		require.True(t, ok)
		return MemoryRunner{}.InTx(ctx, func(ctx context.Context) error {
			second, _ := UnitLocal(ctx, key{}, init)
			require.Same(t, first, second)
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	_, ok := UnitLocal(context.Background(), key{}, init)
	require.False(t, ok)
}
