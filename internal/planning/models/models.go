// Package models defines the planning domain: issues, initiatives, their
// chat threads, agent runs, and review items.
package models

import (
	"time"
)

// EntityType tags the two kinds of planning entities.
type EntityType string

const (
	EntityTypeIssue      EntityType = "issue"
	EntityTypeInitiative EntityType = "initiative"
)

// PlanStatus is the lifecycle of an entity's AI plan.
type PlanStatus string

const (
	// PlanStatusNone - no plan has been generated yet
	PlanStatusNone PlanStatus = "none"
	// PlanStatusGenerating - a generation or revision is in flight
	PlanStatusGenerating PlanStatus = "generating"
	// PlanStatusReady - a plan exists and awaits approval
	PlanStatusReady PlanStatus = "ready"
	// PlanStatusApproved - the plan has been approved by a human
	PlanStatusApproved PlanStatus = "approved"
)

// CanTransitionTo reports whether moving from s to next follows a legal edge:
// none→generating→{ready|none}, ready→{approved|generating}, approved→generating.
func (s PlanStatus) CanTransitionTo(next PlanStatus) bool {
	switch s {
	case PlanStatusNone:
		return next == PlanStatusGenerating
	case PlanStatusGenerating:
		return next == PlanStatusReady || next == PlanStatusNone
	case PlanStatusReady:
		return next == PlanStatusApproved || next == PlanStatusGenerating
	case PlanStatusApproved:
		return next == PlanStatusGenerating
	}
	return false
}

// IssueStatus is the domain lifecycle of an issue.
type IssueStatus string

const (
	IssueStatusTriage     IssueStatus = "triage"
	IssueStatusPlanning   IssueStatus = "planning"
	IssueStatusReady      IssueStatus = "ready"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusReview     IssueStatus = "review"
	IssueStatusDone       IssueStatus = "done"
	IssueStatusCancelled  IssueStatus = "cancelled"
)

// InitiativeStatus is the domain lifecycle of an initiative.
type InitiativeStatus string

const (
	InitiativeStatusDraft    InitiativeStatus = "draft"
	InitiativeStatusPlanning InitiativeStatus = "planning"
	InitiativeStatusActive   InitiativeStatus = "active"
	InitiativeStatusDone     InitiativeStatus = "done"
)

// PlanningFields is the capability set shared by both entity variants.
// AIPlan and AIPrompt are written only by the generation/revision paths.
type PlanningFields struct {
	PlanStatus PlanStatus `json:"plan_status"`
	AIPlan     string     `json:"ai_plan,omitempty"`   // last generated structured plan, serialized JSON
	AIPrompt   string     `json:"ai_prompt,omitempty"` // executable instruction extracted from the plan
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Entity is the tagged union over Issue and Initiative. Callers dispatch on
// Type() where the variants diverge (execute is issue-only, create_issues is
// initiative-only).
type Entity interface {
	Type() EntityType
	Key() string
	Project() string
	Heading() (title, description string)
	Planning() *PlanningFields
	StatusLabel() string
}

// Issue represents a single work item.
type Issue struct {
	ID          string                 `json:"id"`
	ProjectID   string                 `json:"project_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Status      IssueStatus            `json:"status"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	PlanningFields
	CreatedAt time.Time `json:"created_at"`
}

func (i *Issue) Type() EntityType          { return EntityTypeIssue }
func (i *Issue) Key() string               { return i.ID }
func (i *Issue) Project() string           { return i.ProjectID }
func (i *Issue) Heading() (string, string) { return i.Title, i.Description }
func (i *Issue) Planning() *PlanningFields { return &i.PlanningFields }
func (i *Issue) StatusLabel() string       { return string(i.Status) }

// Metadata keys recording where an issue came from when it was materialized
// out of an initiative's approved plan.
const (
	ProvenanceSourceTaskID = "source_task_id"
	ProvenanceInitiativeID = "initiative_id"
)

// Initiative represents a larger body of work whose approved plan can be
// materialized into issues.
type Initiative struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Status      InitiativeStatus `json:"status"`
	PlanningFields
	CreatedAt time.Time `json:"created_at"`
}

func (n *Initiative) Type() EntityType          { return EntityTypeInitiative }
func (n *Initiative) Key() string               { return n.ID }
func (n *Initiative) Project() string           { return n.ProjectID }
func (n *Initiative) Heading() (string, string) { return n.Title, n.Description }
func (n *Initiative) Planning() *PlanningFields { return &n.PlanningFields }
func (n *Initiative) StatusLabel() string       { return string(n.Status) }

// MessageRole represents who authored a thread message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageType represents the kind of content a thread message carries.
type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypePlan         MessageType = "plan"
	MessageTypeAgentOutput  MessageType = "agent_output"
	MessageTypeBlocker      MessageType = "blocker"
	MessageTypeStatusChange MessageType = "status_change"
	MessageTypeApproval     MessageType = "approval"
	MessageTypeError        MessageType = "error"
)

// PlanMeta is attached to plan messages.
type PlanMeta struct {
	TaskCount  int     `json:"task_count"`
	TokensUsed int     `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// OutputMeta is attached to agent_output messages.
type OutputMeta struct {
	RunID      string  `json:"run_id"`
	TokensUsed int     `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
	Iterations int     `json:"iterations,omitempty"`
}

// BlockerMeta is attached to blocker messages.
type BlockerMeta struct {
	RunID       string `json:"run_id"`
	BlockerType string `json:"blocker_type"`
}

// MessageMeta is the discriminated metadata side-channel: exactly the variant
// matching the message type is populated, the rest stay nil.
type MessageMeta struct {
	Plan    *PlanMeta    `json:"plan,omitempty"`
	Output  *OutputMeta  `json:"output,omitempty"`
	Blocker *BlockerMeta `json:"blocker,omitempty"`
}

// IsZero reports whether no variant is set.
func (m MessageMeta) IsZero() bool {
	return m.Plan == nil && m.Output == nil && m.Blocker == nil
}

// Message is one entry in a planning entity's chat thread. Messages are
// immutable once created and always read in creation order; Seq breaks ties
// between messages created in the same instant.
type Message struct {
	ID         string      `json:"id"`
	EntityType EntityType  `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Role       MessageRole `json:"role"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	Meta       MessageMeta `json:"meta,omitempty"`
	Seq        int64       `json:"seq"`
	CreatedAt  time.Time   `json:"created_at"`
}

// RunStatus represents the state of an agent run.
type RunStatus string

const (
	// RunStatusQueued - run created, execution not yet started
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning - the model is executing
	RunStatusRunning RunStatus = "running"
	// RunStatusWaitingReview - the run raised a blocker and waits for a human
	RunStatusWaitingReview RunStatus = "waiting_review"
	// RunStatusCompleted - run finished with output
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed - run failed with an error
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled - run was manually stopped
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is a resting state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// BlockerType classifies why a run is waiting for review.
const (
	BlockerTypeQuestion = "question"
)

// AgentRun is one execution attempt against an entity's approved plan.
// TokensUsed, Cost, and Iterations only ever increase, including across
// human-response continuations.
type AgentRun struct {
	ID             string     `json:"id"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Prompt         string     `json:"prompt"`
	SystemPrompt   string     `json:"system_prompt,omitempty"`
	Status         RunStatus  `json:"status"`
	BlockerType    string     `json:"blocker_type,omitempty"`
	BlockerMessage string     `json:"blocker_message,omitempty"`
	HumanResponse  string     `json:"human_response,omitempty"`
	Output         string     `json:"output,omitempty"`
	TokensUsed     int        `json:"tokens_used"`
	Cost           float64    `json:"cost"`
	Iterations     int        `json:"iterations"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// AddUsage accumulates tokens and cost onto the run. Negative deltas are
// ignored so the counters stay monotonic.
func (r *AgentRun) AddUsage(tokens int, cost float64) {
	if tokens > 0 {
		r.TokensUsed += tokens
	}
	if cost > 0 {
		r.Cost += cost
	}
}

// ReviewStatus represents the state of a review item.
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusResolved ReviewStatus = "resolved"
)

// ReviewItem is a standalone flagged question owned by a planning entity,
// not tied to a specific run once created.
type ReviewItem struct {
	ID         string       `json:"id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Type       string       `json:"type"`
	Content    string       `json:"content"`
	Status     ReviewStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
