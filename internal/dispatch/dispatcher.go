// Package dispatch moves planning work off the request path. The dispatcher
// publishes jobs on the event bus with a short ack handshake; the runner
// consumes them and writes all results straight to storage.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/logger"
	"github.com/tracklet/tracklet/internal/events"
	"github.com/tracklet/tracklet/internal/events/bus"
	"github.com/tracklet/tracklet/internal/planning/models"
)

// Job actions consumed by the runner.
const (
	ActionGeneratePlan = "generate_plan"
	ActionRevisePlan   = "revise_plan"
	ActionExecute      = "execute"
	ActionRespond      = "respond"
)

// Job is the background work payload. Only the fields relevant to the action
// are set.
type Job struct {
	EntityType     models.EntityType `json:"entity_type"`
	EntityID       string            `json:"entity_id"`
	Action         string            `json:"action"`
	Title          string            `json:"title,omitempty"`
	Description    string            `json:"description,omitempty"`
	Feedback       string            `json:"feedback,omitempty"`
	ExistingPlan   string            `json:"existing_plan,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	AgentRunID     string            `json:"agent_run_id,omitempty"`
	HumanResponse  string            `json:"human_response,omitempty"`
	PreviousOutput string            `json:"previous_output,omitempty"`
	PreviousPrompt string            `json:"previous_prompt,omitempty"`
}

// toData converts the job to event data for the bus.
func (j Job) toData() (map[string]interface{}, error) {
	raw, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return data, nil
}

// jobFromEvent decodes a job from event data. The reply key is dropped.
func jobFromEvent(event *bus.Event) (Job, error) {
	data := make(map[string]interface{}, len(event.Data))
	for k, v := range event.Data {
		if k == bus.ReplyKey {
			continue
		}
		data[k] = v
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Job{}, fmt.Errorf("encode job data: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Dispatcher submits jobs to the runner queue.
type Dispatcher struct {
	eventBus   bus.EventBus
	ackTimeout time.Duration
	log        *logger.Logger
}

// NewDispatcher creates a dispatcher with the given ack timeout.
func NewDispatcher(eventBus bus.EventBus, ackTimeout time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		eventBus:   eventBus,
		ackTimeout: ackTimeout,
		log:        log.WithFields(zap.String("component", "dispatcher")),
	}
}

// Dispatch submits a job and waits only for the runner's receipt ack. The
// submission is at-most-once: a failed or unacknowledged submission is logged
// and dropped, never retried — the reconciler recovers the entity later.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) {
	subject := events.JobSubject(job.Action)

	data, err := job.toData()
	if err != nil {
		d.log.Error("failed to encode job",
			zap.String("action", job.Action),
			zap.String("entity_id", job.EntityID),
			zap.Error(err))
		return
	}

	event := bus.NewEvent(subject, "dispatcher", data)
	if _, err := d.eventBus.Request(ctx, subject, event, d.ackTimeout); err != nil {
		d.log.Error("job submission not acknowledged",
			zap.String("action", job.Action),
			zap.String("entity_id", job.EntityID),
			zap.Error(err))
		return
	}

	d.log.Debug("job dispatched",
		zap.String("action", job.Action),
		zap.String("entity_id", job.EntityID))
}
