// Package memory holds task artifacts and the gateway that decides which of
// them may become shared knowledge.
//
// There are four memory kinds:
//
//   - private_ephemeral: scratch space of one task, freely overwritable by it
//   - shared_semantic: validated results visible to every task
//   - shared_procedural: validated plans and procedures visible to every task
//   - append_only_audit: system records, written once and never changed
//
// Every write goes through Gateway.Write. A shared artifact is accepted only
// when it has been validated and the writer is the commit authority of its
// task; the reason for a rejection is reported as a *ViolationError.
// Accepted artifacts are forwarded to the Backend registered for their kind.
package memory
