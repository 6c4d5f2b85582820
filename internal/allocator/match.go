package allocator

import "github.com/zjrosen/maestro/internal/store"

// Pairing is one proposed task-to-worker binding.
type Pairing struct {
	Task   *store.Task
	Worker *store.Worker
}

// Match pairs ready tasks with idle workers in two passes. The first pass
// binds tasks that carry a domain to the first unused worker whose last-seen
// domain matches; the second pass hands remaining tasks to any unused worker
// in priority order. No worker appears in more than one pairing; tasks are
// assumed pre-sorted by priority (ReadyTasks order).
func Match(ready []*store.Task, idle []*store.Worker) []Pairing {
	used := make(map[int]bool, len(idle))
	taken := make(map[int64]bool, len(ready))
	var out []Pairing

	for _, task := range ready {
		if task.Domain == "" {
			continue
		}
		for _, w := range idle {
			if used[w.ID] || w.Domain != task.Domain {
				continue
			}
			out = append(out, Pairing{Task: task, Worker: w})
			used[w.ID] = true
			taken[task.ID] = true
			break
		}
	}

	for _, task := range ready {
		if taken[task.ID] {
			continue
		}
		for _, w := range idle {
			if used[w.ID] {
				continue
			}
			out = append(out, Pairing{Task: task, Worker: w})
			used[w.ID] = true
			taken[task.ID] = true
			break
		}
	}

	return out
}
