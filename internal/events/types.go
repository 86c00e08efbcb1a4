// Package events provides event types and utilities for the Tracklet event system.
package events

// Event types for planning entities
const (
	PlanStatusChanged = "plan.status_changed"
	MessageAdded      = "message.added"
	IssueCreated      = "issue.created"
	InitiativeCreated = "initiative.created"
)

// Event types for agent runs
const (
	RunQueued        = "run.queued"
	RunStatusChanged = "run.status_changed"
)

// Event types for tool connections
const (
	ToolConnectionUpdated = "tool_connection.updated"
)

// Job subjects consumed by the background runner. The dispatcher publishes a
// request on one of these and waits only for the receipt acknowledgment.
const (
	JobGeneratePlan = "job.generate_plan"
	JobRevisePlan   = "job.revise_plan"
	JobExecute      = "job.execute"
	JobRespond      = "job.respond"
)

// JobWildcardSubject subscribes to every job subject.
const JobWildcardSubject = "job.*"

// RunnerQueue is the queue group name for runner instances so that exactly
// one runner picks up each job when several are connected.
const RunnerQueue = "tracklet-runner"

// JobSubject returns the job subject for a planning action.
func JobSubject(action string) string {
	return "job." + action
}

// BuildEntitySubject creates an entity-scoped subject for a base event type,
// e.g. message.added.<entityID>.
func BuildEntitySubject(eventType, entityID string) string {
	return eventType + "." + entityID
}
