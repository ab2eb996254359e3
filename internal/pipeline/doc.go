// Package pipeline implements the task stage state machine.
//
// A task moves through analyze, plan, execute and validate, and ends in
// commit or fail. Every transition produces a new TaskState value; the
// previous value is never modified, so any transition can be replayed or
// audited on its own.
//
// Routing after a stage is driven by a RouteTable of named conditions held
// in a ConditionRegistry. DefaultRouteTable encodes the standard policy:
//
//	validate: is_failed            -> fail
//	          iterations_exhausted -> fail
//	          is_validated         -> commit
//	          should_replan        -> plan
//	          (fallback)           -> commit
//
// Pipelines with other routing register their own conditions and tables.
package pipeline
