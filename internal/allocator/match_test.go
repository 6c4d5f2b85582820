package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/maestro/internal/store"
)

func task(id int64, domain string) *store.Task {
	return &store.Task{ID: id, Domain: domain}
}

func worker(id int, domain string) *store.Worker {
	return &store.Worker{ID: id, Domain: domain}
}

func TestMatchPrefersDomainAffinity(t *testing.T) {
	ready := []*store.Task{task(1, "backend"), task(2, "")}
	idle := []*store.Worker{worker(1, "frontend"), worker(2, "backend")}

	pairings := Match(ready, idle)
	require.Len(t, pairings, 2)

	// The backend task skips worker 1 for the matching worker 2.
	require.Equal(t, int64(1), pairings[0].Task.ID)
	require.Equal(t, 2, pairings[0].Worker.ID)
	require.Equal(t, int64(2), pairings[1].Task.ID)
	require.Equal(t, 1, pairings[1].Worker.ID)
}

func TestMatchFallsBackToAnyWorker(t *testing.T) {
	ready := []*store.Task{task(1, "backend")}
	idle := []*store.Worker{worker(1, "frontend")}

	pairings := Match(ready, idle)
	require.Len(t, pairings, 1)
	require.Equal(t, 1, pairings[0].Worker.ID)
}

func TestMatchOneTaskPerWorker(t *testing.T) {
	ready := []*store.Task{task(1, ""), task(2, ""), task(3, "")}
	idle := []*store.Worker{worker(1, "")}

	pairings := Match(ready, idle)
	require.Len(t, pairings, 1)
	require.Equal(t, int64(1), pairings[0].Task.ID)
}

func TestMatchEmptyInputs(t *testing.T) {
	require.Empty(t, Match(nil, []*store.Worker{worker(1, "")}))
	require.Empty(t, Match([]*store.Task{task(1, "")}, nil))
}

func TestMatchDomainPassRunsFirst(t *testing.T) {
	// The affinity pass binds before the priority pass, so a lower-priority
	// task with a matching domain takes the worker from an earlier task
	// without one.
	ready := []*store.Task{task(1, ""), task(2, "backend")}
	idle := []*store.Worker{worker(1, "backend")}

	pairings := Match(ready, idle)
	require.Len(t, pairings, 1)
	require.Equal(t, int64(2), pairings[0].Task.ID)
}
