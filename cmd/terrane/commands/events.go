package commands

import (
	"context"
	"sync"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/states"
	"github.com/terrane-io/terrane/pkg/telemetry"
)

// eventTypes maps executor lifecycle events onto the telemetry event
// stream's type names.
var eventTypes = map[engine.ApplyEventType]string{
	engine.EventRunStarted:       telemetry.EventTypeRunStarted,
	engine.EventRunCompleted:     telemetry.EventTypeRunCompleted,
	engine.EventOperationStarted: telemetry.EventTypeOperationStarted,
	engine.EventOperationRetried: telemetry.EventTypeOperationRetried,
	engine.EventOperationApplied: telemetry.EventTypeOperationApplied,
	engine.EventOperationFailed:  telemetry.EventTypeOperationFailed,
	engine.EventOperationBlocked: "operation.blocked",
	engine.EventOperationAborted: "operation.aborted",
	engine.EventProvisionStarted: telemetry.EventTypeProvisionStarted,
	engine.EventProvisionFailed:  telemetry.EventTypeProvisionFailed,
}

// eventRecorder fans apply lifecycle events out to the structured log, the
// telemetry event stream, and the run history database. The executor calls
// Publish from worker goroutines, so the recorder must be safe for
// concurrent use.
type eventRecorder struct {
	// ctx detaches history writes from run cancellation: an aborted run
	// still records the events of operations that finish.
	ctx     context.Context
	logger  *telemetry.Logger
	events  *telemetry.EventPublisher
	metrics *telemetry.Metrics
	history *states.HistoryStore
	command string
	actions map[string]engine.Action

	mu         sync.Mutex
	runCreated bool
}

func newEventRecorder(rt *runtime, command string, plan *engine.Plan) *eventRecorder {
	actions := make(map[string]engine.Action, len(plan.Operations))
	for _, op := range plan.Operations {
		actions[op.Addr.String()] = op.Action
	}
	return &eventRecorder{
		ctx:     context.Background(),
		logger:  rt.telemetry.Logger.NewComponentLogger("run"),
		events:  rt.telemetry.Events,
		metrics: rt.telemetry.Metrics,
		history: rt.history,
		command: command,
		actions: actions,
	}
}

// Publish implements engine.EventSink.
func (r *eventRecorder) Publish(event *engine.ApplyEvent) {
	r.log(event)
	r.mirror(event)
	r.record(event)

	if event.Type == engine.EventRunStarted {
		r.metrics.RecordRunStarted(r.command)
	}
}

func (r *eventRecorder) log(event *engine.ApplyEvent) {
	logger := r.logger.WithRunID(event.RunID)
	if event.Node != "" {
		logger = logger.WithNode(event.Node)
	}
	logger = logger.WithField("event", string(event.Type))
	switch event.Level {
	case "error":
		logger.Error(event.Message)
	case "warning":
		logger.Warn(event.Message)
	default:
		logger.Info(event.Message)
	}
}

func (r *eventRecorder) mirror(event *engine.ApplyEvent) {
	eventType, ok := eventTypes[event.Type]
	if !ok {
		eventType = string(event.Type)
	}
	out := telemetry.Event{
		Timestamp: event.Timestamp,
		Type:      eventType,
		Source:    "executor",
		RunID:     event.RunID,
		Node:      event.Node,
		Message:   event.Message,
		Level:     event.Level,
	}
	if action, ok := r.actions[event.Node]; ok {
		out.Data = map[string]interface{}{"action": string(action)}
	}
	if err := r.events.Publish(out); err != nil {
		r.logger.WithError(err).Debug("Event mirror dropped")
	}

	if event.Type == engine.EventOperationRetried {
		if action, ok := r.actions[event.Node]; ok {
			r.metrics.RecordOperationRetry(string(action))
		}
	}
}

// record appends the event to the run history. The run row is created on
// the run_started event, which the executor publishes before any worker
// starts, so the event log's foreign key always has a parent.
func (r *eventRecorder) record(event *engine.ApplyEvent) {
	if r.history == nil {
		return
	}

	if event.Type == engine.EventRunStarted {
		r.mu.Lock()
		if !r.runCreated {
			run := &states.RunRecord{
				ID:        event.RunID,
				Command:   r.command,
				Status:    engine.RunStatusRunning,
				StartedAt: event.Timestamp,
			}
			if err := r.history.CreateRun(r.ctx, run); err != nil {
				r.logger.WithError(err).Warn("Recording run start failed")
				r.mu.Unlock()
				return
			}
			r.runCreated = true
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	created := r.runCreated
	r.mu.Unlock()
	if !created {
		return
	}

	if err := r.history.AppendEvent(r.ctx, states.NewEventRecord(event)); err != nil {
		r.logger.WithError(err).Warn("Recording run event failed")
	}
}
