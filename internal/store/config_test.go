package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/store"
	"github.com/zjrosen/maestro/internal/testutil"
)

func TestConfigDefaultsSeeded(t *testing.T) {
	s := testutil.NewTestStore(t)

	value, err := s.GetConfig(store.KeyMaxWorkers)
	require.NoError(t, err)
	require.Equal(t, "4", value)

	all, err := s.AllConfig()
	require.NoError(t, err)
	require.Contains(t, all, store.KeyHeartbeatTimeout)
	require.Contains(t, all, store.KeyAllocatorInterval)
}

func TestSetConfigRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)

	require.NoError(t, s.SetConfig(store.KeyHeartbeatTimeout, "90"))
	require.Equal(t, 90*time.Second, s.HeartbeatTimeout())

	require.NoError(t, s.SetConfig(store.KeyAllocatorInterval, "500"))
	require.Equal(t, 500*time.Millisecond, s.AllocatorInterval())

	require.NoError(t, s.SetConfig(store.KeyMergeValidation, "true"))
	require.True(t, s.MergeValidation())
}

func TestMaxWorkersClamped(t *testing.T) {
	s := testutil.NewTestStore(t)

	var constraint *store.ConstraintError
	require.ErrorAs(t, s.SetConfig(store.KeyMaxWorkers, "0"), &constraint)
	require.ErrorAs(t, s.SetConfig(store.KeyMaxWorkers, "9"), &constraint)
	require.ErrorAs(t, s.SetConfig(store.KeyMaxWorkers, "lots"), &constraint)

	require.NoError(t, s.SetConfig(store.KeyMaxWorkers, "8"))
	require.Equal(t, 8, s.MaxWorkers())
}

func TestConfigFallbacks(t *testing.T) {
	s := testutil.NewTestStore(t)

	// Garbage values fall back to compiled-in defaults.
	require.NoError(t, s.SetConfig(store.KeyWatchdogInterval, "soon"))
	require.Equal(t, 10*time.Second, s.WatchdogInterval())

	value, err := s.GetConfig("unknown_key")
	require.NoError(t, err)
	require.Empty(t, value)
}
