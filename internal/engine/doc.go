// Package engine drives tasks through the stage state machine.
//
// A Runner executes one task: it calls the Handler registered for the
// current stage, lets the escalation checkpoint review the result, asks the
// pipeline router for the next stage and publishes the output through the
// memory gateway when the task reaches commit. A Manager runs many tasks
// concurrently and exposes them for inspection, cancellation and resume.
//
// The default handlers in stages.go are backed by a generator.Generator:
//
//	analyze   understand the request, list subtasks, pull similar prior results
//	plan      write a plan, reusing validated procedures
//	execute   run ACTION lines of the plan and SUBTASK child pipelines
//	validate  judge the output, approving it or asking for a replan
//	commit    validate and publish the output to shared memory
package engine
