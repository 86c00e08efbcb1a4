package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanStatusTransitions(t *testing.T) {
	tests := []struct {
		from PlanStatus
		to   PlanStatus
		ok   bool
	}{
		{PlanStatusNone, PlanStatusGenerating, true},
		{PlanStatusNone, PlanStatusReady, false},
		{PlanStatusNone, PlanStatusApproved, false},
		{PlanStatusGenerating, PlanStatusReady, true},
		{PlanStatusGenerating, PlanStatusNone, true},
		{PlanStatusGenerating, PlanStatusApproved, false},
		{PlanStatusReady, PlanStatusApproved, true},
		{PlanStatusReady, PlanStatusGenerating, true},
		{PlanStatusReady, PlanStatusNone, false},
		{PlanStatusApproved, PlanStatusGenerating, true},
		{PlanStatusApproved, PlanStatusReady, false},
		{PlanStatusApproved, PlanStatusNone, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	assert.False(t, RunStatusQueued.IsTerminal())
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.False(t, RunStatusWaitingReview.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusCancelled.IsTerminal())
}

func TestAgentRunAddUsageMonotonic(t *testing.T) {
	run := &AgentRun{}
	run.AddUsage(100, 0.5)
	run.AddUsage(50, 0.25)
	assert.Equal(t, 150, run.TokensUsed)
	assert.Equal(t, 0.75, run.Cost)

	// Negative deltas never decrease the counters.
	run.AddUsage(-10, -0.1)
	assert.Equal(t, 150, run.TokensUsed)
	assert.Equal(t, 0.75, run.Cost)
}

func TestMessageMetaIsZero(t *testing.T) {
	assert.True(t, MessageMeta{}.IsZero())
	assert.False(t, MessageMeta{Plan: &PlanMeta{TaskCount: 1}}.IsZero())
	assert.False(t, MessageMeta{Output: &OutputMeta{RunID: "r1"}}.IsZero())
	assert.False(t, MessageMeta{Blocker: &BlockerMeta{RunID: "r1"}}.IsZero())
}

func TestEntityVariants(t *testing.T) {
	issue := &Issue{ID: "i1", ProjectID: "p1", Title: "Fix login", Description: "details", Status: IssueStatusTriage}
	var entity Entity = issue
	assert.Equal(t, EntityTypeIssue, entity.Type())
	assert.Equal(t, "i1", entity.Key())
	assert.Equal(t, "p1", entity.Project())
	title, desc := entity.Heading()
	assert.Equal(t, "Fix login", title)
	assert.Equal(t, "details", desc)
	assert.Equal(t, "triage", entity.StatusLabel())

	entity.Planning().PlanStatus = PlanStatusReady
	assert.Equal(t, PlanStatusReady, issue.PlanStatus, "Planning returns the embedded fields")

	initiative := &Initiative{ID: "n1", Status: InitiativeStatusDraft}
	entity = initiative
	assert.Equal(t, EntityTypeInitiative, entity.Type())
	assert.Equal(t, "draft", entity.StatusLabel())
}
