package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 2 * time.Second

	require.Equal(t, 100*time.Millisecond, BackoffDelay(initial, max, 2, 1))
	require.Equal(t, 200*time.Millisecond, BackoffDelay(initial, max, 2, 2))
	require.Equal(t, 400*time.Millisecond, BackoffDelay(initial, max, 2, 3))
	require.Equal(t, max, BackoffDelay(initial, max, 2, 10), "clamped to max")
	require.Equal(t, 100*time.Millisecond, BackoffDelay(initial, max, 2, 0), "attempt below 1 treated as 1")
}
