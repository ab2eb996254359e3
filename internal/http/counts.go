package http

import "github.com/fyrsmithlabs/cogflow/internal/engine"

// CountTasks tallies task snapshots by status. Unknown statuses only
// count towards the total.
func CountTasks(tasks []engine.Snapshot) StatusCounts {
	counts := StatusCounts{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case engine.TaskQueued:
			counts.Queued++
		case engine.TaskRunning:
			counts.Running++
		case engine.TaskPaused:
			counts.Paused++
		case engine.TaskCommitted:
			counts.Committed++
		case engine.TaskFailed:
			counts.Failed++
		case engine.TaskCancelled:
			counts.Cancelled++
		}
	}
	return counts
}
