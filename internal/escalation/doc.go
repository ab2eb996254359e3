// Package escalation lets a human operator pause and steer a running task.
//
// A Checkpoint scores the output of a stage and, when confidence is low,
// raises an Escalation through the Coordinator and waits for a
// HumanResponse. The wait is the one blocking point of task execution. It
// ends when SubmitResponse delivers a response or when the timeout fires,
// in which case the configured FallbackPolicy decides what happens to the
// task.
//
// Every escalation moves created -> responded|timed_out -> closed exactly
// once. Responses to escalations that are already resolved are ignored.
package escalation
