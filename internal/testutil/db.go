// Package testutil provides store fixtures for tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/events"
	"github.com/zjrosen/maestro/internal/pubsub"
	"github.com/zjrosen/maestro/internal/store"
)

// NewTestStore opens a fully migrated store on a per-test database file with
// no broker attached. The file lives under t.TempDir, so cleanup is automatic.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	return newStore(t, nil)
}

// NewTestStoreWithBroker opens a store wired to a fresh broker, for tests
// exercising event wakeups. The broker is closed with the test.
func NewTestStoreWithBroker(t *testing.T) (*store.Store, *pubsub.Broker[events.Event]) {
	t.Helper()
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	return newStore(t, broker), broker
}

func newStore(t *testing.T, broker *pubsub.Broker[events.Event]) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.db")
	s, err := store.Open(path, broker)
	require.NoError(t, err)
	require.NoError(t, s.SeedConfigDefaults())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// RegisterWorkers registers n idle workers with ids 1..n.
func RegisterWorkers(t *testing.T, s *store.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := s.RegisterWorker(i, "", "", "maestro", "")
		require.NoError(t, err)
	}
}

// CreateReadyTask creates a request with a single ready task and returns both.
func CreateReadyTask(t *testing.T, s *store.Store, subject string) (*store.Request, *store.Task) {
	t.Helper()
	req, err := s.CreateRequest("request for " + subject)
	require.NoError(t, err)
	task, err := s.CreateTask(store.TaskParams{
		RequestID: req.ID,
		Subject:   subject,
	})
	require.NoError(t, err)
	return req, task
}
