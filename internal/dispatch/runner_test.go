package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklet/tracklet/internal/agentrun"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/llm"
	"github.com/tracklet/tracklet/internal/planning/models"
	"github.com/tracklet/tracklet/internal/planning/repository"
	"github.com/tracklet/tracklet/internal/sysprompt"
	"github.com/tracklet/tracklet/internal/toolbridge"
)

// stubProvider returns a fixed completion or error.
type stubProvider struct {
	text string
	err  error
}

func (p *stubProvider) Complete(context.Context, llm.CompletionRequest) (*llm.Completion, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Completion{Text: p.text}, nil
}

type runnerFixture struct {
	repo       *repository.MemoryRepository
	dispatcher *Dispatcher
	runner     *Runner
}

func newRunnerFixture(t *testing.T, provider llm.Provider) *runnerFixture {
	t.Helper()
	log := newTestLogger(t)
	repo := repository.NewMemoryRepository()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	estimator := llm.NewEstimator(3, 15)
	prompts := sysprompt.Defaults()
	bridge := toolbridge.NewBridge(toolbridge.NewMemoryStore(), nil, log)
	planner := agentrun.NewPlanner(repo, provider, estimator, prompts, eventBus, log)
	controller := agentrun.NewController(repo, bridge, provider, estimator, prompts, eventBus, 5, log)

	runner := NewRunner(eventBus, repo, planner, controller, 30*time.Second, log)
	require.NoError(t, runner.Start())
	t.Cleanup(runner.Stop)

	return &runnerFixture{
		repo:       repo,
		dispatcher: NewDispatcher(eventBus, time.Second, log),
		runner:     runner,
	}
}

func TestRunnerProcessesGeneratePlan(t *testing.T) {
	provider := &stubProvider{text: `{"tasks": [{"id": "t1", "title": "Do it"}], "agentPrompt": "Go."}`}
	f := newRunnerFixture(t, provider)
	ctx := context.Background()

	issue := &models.Issue{ProjectID: "p1", Title: "Fix login"}
	require.NoError(t, f.repo.CreateIssue(ctx, issue))
	issue.PlanStatus = models.PlanStatusGenerating
	require.NoError(t, f.repo.UpdateIssue(ctx, issue))

	f.dispatcher.Dispatch(ctx, Job{
		EntityType: models.EntityTypeIssue,
		EntityID:   issue.ID,
		Action:     ActionGeneratePlan,
		Title:      issue.Title,
	})

	require.Eventually(t, func() bool {
		got, err := f.repo.GetIssue(ctx, issue.ID)
		return err == nil && got.PlanStatus == models.PlanStatusReady
	}, 2*time.Second, 10*time.Millisecond, "the job runs after the ack")

	got, err := f.repo.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	assert.Equal(t, "Go.", got.AIPrompt)
}

func TestRunnerProcessesExecute(t *testing.T) {
	provider := &stubProvider{text: `{"status": "completed", "output": "done"}`}
	f := newRunnerFixture(t, provider)
	ctx := context.Background()

	issue := &models.Issue{ProjectID: "p1", Title: "Fix login"}
	require.NoError(t, f.repo.CreateIssue(ctx, issue))
	run := &models.AgentRun{
		EntityType: models.EntityTypeIssue, EntityID: issue.ID,
		Prompt: "go", Status: models.RunStatusQueued,
	}
	require.NoError(t, f.repo.CreateRun(ctx, run))

	f.dispatcher.Dispatch(ctx, Job{
		EntityType: models.EntityTypeIssue,
		EntityID:   issue.ID,
		Action:     ActionExecute,
		AgentRunID: run.ID,
	})

	require.Eventually(t, func() bool {
		got, err := f.repo.GetRun(ctx, run.ID)
		return err == nil && got.Status == models.RunStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", got.Output)
}

func TestRunnerRecoversFailedExecute(t *testing.T) {
	f := newRunnerFixture(t, &stubProvider{text: "unused"})
	ctx := context.Background()

	issue := &models.Issue{ProjectID: "p1", Title: "Fix login"}
	require.NoError(t, f.repo.CreateIssue(ctx, issue))
	// A run that is not queued makes the controller reject the job; the
	// runner's recovery must still land it in failed.
	run := &models.AgentRun{
		EntityType: models.EntityTypeIssue, EntityID: issue.ID,
		Prompt: "go", Status: models.RunStatusRunning,
	}
	require.NoError(t, f.repo.CreateRun(ctx, run))

	f.dispatcher.Dispatch(ctx, Job{
		EntityType: models.EntityTypeIssue,
		EntityID:   issue.ID,
		Action:     ActionExecute,
		AgentRunID: run.ID,
	})

	require.Eventually(t, func() bool {
		got, err := f.repo.GetRun(ctx, run.ID)
		return err == nil && got.Status == models.RunStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := f.repo.ListMessages(ctx, models.EntityTypeIssue, issue.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.MessageTypeError, messages[0].Type)
	assert.Contains(t, messages[0].Content, "Background execute failed")
}

func TestRunnerFailedPlanGenerationRollsBack(t *testing.T) {
	f := newRunnerFixture(t, &stubProvider{err: fmt.Errorf("model down")})
	ctx := context.Background()

	issue := &models.Issue{ProjectID: "p1", Title: "Fix login"}
	require.NoError(t, f.repo.CreateIssue(ctx, issue))
	issue.PlanStatus = models.PlanStatusGenerating
	require.NoError(t, f.repo.UpdateIssue(ctx, issue))

	f.dispatcher.Dispatch(ctx, Job{
		EntityType: models.EntityTypeIssue,
		EntityID:   issue.ID,
		Action:     ActionGeneratePlan,
	})

	// The planner records the failure itself: status rolls back and the
	// thread says what happened.
	require.Eventually(t, func() bool {
		got, err := f.repo.GetIssue(ctx, issue.ID)
		return err == nil && got.PlanStatus == models.PlanStatusNone
	}, 2*time.Second, 10*time.Millisecond)

	messages, err := f.repo.ListMessages(ctx, models.EntityTypeIssue, issue.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].Content, "Plan generation failed")
}
