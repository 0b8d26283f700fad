package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a migration progress event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	RunID     string `json:"run_id,omitempty"`
	Migration string `json:"migration,omitempty"`
	FlowID    string `json:"flow_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeFlowStarted        = "flow.started"
	EventTypeFlowCompleted      = "flow.completed"
	EventTypeFlowReverted       = "flow.reverted"
	EventTypeFlowAborted        = "flow.aborted"
	EventTypeFlowSkipped        = "flow.skipped"
	EventTypeDestructorExecuted = "destructor.executed"
	EventTypeObjectInvalid      = "object.invalid"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers events to subscribers. Subscribers are called one
// at a time in publish order, so they need no locking of their own.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	deliver     sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers. A nil or disabled publisher
// drops the event.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, migration string) error {
	return ep.Publish(Event{
		Type:      EventTypeRunStarted,
		Source:    "engine",
		RunID:     runID,
		Migration: migration,
		Message:   fmt.Sprintf("Run %s of migration %s started", runID, migration),
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, migration, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeRunCompleted,
		Source:    "engine",
		RunID:     runID,
		Migration: migration,
		Message:   fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, migration, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeRunFailed,
		Source:    "engine",
		RunID:     runID,
		Migration: migration,
		Message:   fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishFlowStarted publishes a flow started event.
func (ep *EventPublisher) PublishFlowStarted(runID, flowID string) error {
	return ep.Publish(Event{
		Type:    EventTypeFlowStarted,
		Source:  "engine",
		RunID:   runID,
		FlowID:  flowID,
		Message: fmt.Sprintf("Flow %s started", flowID),
	})
}

// PublishFlowFinished publishes the terminal event of a flow. status is one
// of succeeded, reverted, aborted or skipped.
func (ep *EventPublisher) PublishFlowFinished(runID, flowID, status string, duration time.Duration, err error) error {
	event := Event{
		Source: "engine",
		RunID:  runID,
		FlowID: flowID,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	}

	switch status {
	case "succeeded":
		event.Type = EventTypeFlowCompleted
		event.Message = fmt.Sprintf("Flow %s completed", flowID)
	case "reverted":
		event.Type = EventTypeFlowReverted
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Flow %s reverted", flowID)
	case "aborted":
		event.Type = EventTypeFlowAborted
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Flow %s aborted", flowID)
	default:
		event.Type = EventTypeFlowSkipped
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("Flow %s skipped", flowID)
	}
	if err != nil {
		event.Message += ": " + err.Error()
		event.Data["error"] = err.Error()
	}

	return ep.Publish(event)
}

// PublishDestructorExecuted publishes the outcome of a rollback destructor.
func (ep *EventPublisher) PublishDestructorExecuted(runID, kind, signature string, err error) error {
	event := Event{
		Type:    EventTypeDestructorExecuted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Destructor %s executed", kind),
		Data: map[string]interface{}{
			"kind":      kind,
			"signature": signature,
		},
	}
	if err != nil {
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Destructor %s failed: %v", kind, err)
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishObjectInvalid publishes a cloud resource skipped by discovery.
func (ep *EventPublisher) PublishObjectInvalid(cloud, typ, id, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeObjectInvalid,
		Source:  "discovery",
		Message: fmt.Sprintf("Skipped invalid %s %s in cloud %s: %s", typ, id, cloud, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"cloud":  cloud,
			"type":   typ,
			"id":     id,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.deliver.Lock()
	defer ep.deliver.Unlock()

	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
