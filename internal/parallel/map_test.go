package parallel_test

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/calamares-go/installer/internal/parallel"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"unlimited", 0, 10 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				var got []int
				for r := range parallel.Map(t.Context(), tt.given, input, f) {
					require.NoError(t, r.Err)
					got = append(got, r.Value)
				}
				require.ElementsMatch(t, expected, got)
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapCompletionOrder(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(_ context.Context, d time.Duration) (time.Duration, error) {
			time.Sleep(d)
			return d, nil
		}
		input := []time.Duration{3 * time.Second, 1 * time.Second, 2 * time.Second}
		var got []time.Duration
		for r := range parallel.Map(t.Context(), 0, input, f) {
			got = append(got, r.Input)
		}
		require.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}, got)
	})
}

func TestMapErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := func(_ context.Context, s string) (string, error) {
		switch s {
		case "panic":
			panic("probe exploded")
		case "error":
			return "", boom
		}
		return s, nil
	}

	results := make(map[string]error)
	for r := range parallel.Map(t.Context(), 0, []string{"ok", "error", "panic"}, f) {
		results[r.Input] = r.Err
	}

	require.Len(t, results, 3)
	require.NoError(t, results["ok"])
	require.ErrorIs(t, results["error"], boom)
	var panicErr *parallel.PanicError
	require.ErrorAs(t, results["panic"], &panicErr)
	require.Equal(t, "probe exploded", panicErr.Value)
	require.NotEmpty(t, panicErr.Stack)
}

func TestMapEarlyStop(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		f := func(_ context.Context, d time.Duration) (time.Duration, error) {
			time.Sleep(d)
			return d, nil
		}
		input := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second}
		count := 0
		for range parallel.Map(t.Context(), 0, input, f) {
			count++
			break
		}
		require.Equal(t, 1, count)
		// let the remaining workers drain into the buffered channel
		time.Sleep(3 * time.Second)
		synctest.Wait()
	})
}
