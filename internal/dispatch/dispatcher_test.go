package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/planning/models"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestJobEventRoundTrip(t *testing.T) {
	job := Job{
		EntityType:   models.EntityTypeIssue,
		EntityID:     "i1",
		Action:       ActionRevisePlan,
		Title:        "Fix login",
		Feedback:     "split it",
		ExistingPlan: `{"tasks": []}`,
		AgentRunID:   "r1",
	}

	data, err := job.toData()
	require.NoError(t, err)
	event := bus.NewEvent(events.JobSubject(job.Action), "dispatcher", data)
	// The bus injects the reply inbox into the data on Request.
	event.Data[bus.ReplyKey] = "_inbox.abc"

	decoded, err := jobFromEvent(event)
	require.NoError(t, err)
	assert.Equal(t, job, decoded, "the reply key never leaks into the job")
}

func TestJobEventRoundTripOmitsEmptyFields(t *testing.T) {
	data, err := Job{EntityType: models.EntityTypeIssue, EntityID: "i1", Action: ActionGeneratePlan}.toData()
	require.NoError(t, err)
	assert.NotContains(t, data, "feedback")
	assert.NotContains(t, data, "agent_run_id")
}

func TestDispatchDeliversToQueue(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	var received []Job
	_, err := eventBus.QueueSubscribe(events.JobWildcardSubject, events.RunnerQueue,
		func(ctx context.Context, event *bus.Event) error {
			job, err := jobFromEvent(event)
			require.NoError(t, err)
			received = append(received, job)
			return eventBus.Publish(ctx, event.ReplySubject(), bus.NewEvent("job.ack", "test", nil))
		})
	require.NoError(t, err)

	dispatcher := NewDispatcher(eventBus, time.Second, log)
	dispatcher.Dispatch(context.Background(), Job{
		EntityType: models.EntityTypeIssue,
		EntityID:   "i1",
		Action:     ActionGeneratePlan,
		Title:      "Fix login",
	})

	require.Len(t, received, 1)
	assert.Equal(t, ActionGeneratePlan, received[0].Action)
	assert.Equal(t, "i1", received[0].EntityID)
}

func TestDispatchWithoutConsumerIsDropped(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(func() { eventBus.Close() })

	dispatcher := NewDispatcher(eventBus, 50*time.Millisecond, log)

	// At-most-once: no consumer means the job is logged and dropped, the
	// caller is never blocked past the ack timeout and never sees an error.
	done := make(chan struct{})
	go func() {
		dispatcher.Dispatch(context.Background(), Job{
			EntityType: models.EntityTypeIssue, EntityID: "i1", Action: ActionExecute,
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after the ack timeout")
	}
}
