// Package events provides the in-process event stream: typed events pushed
// onto a bounded queue and fanned out to console, append-only NDJSON log,
// and WebSocket subscribers.
//
// Emission is non-blocking. When the queue is full the oldest event is
// dropped and a counter incremented — observability must never stall a
// pipeline.
package events

import "encoding/json"

// Event types emitted by the orchestrator and its subsystems.
const (
	EventTaskQueued           = "task_queued"
	EventAgentStarted         = "agent_started"
	EventAgentCompleted       = "agent_completed"
	EventValidationComplete   = "validation_complete"
	EventHITLEscalated        = "hitl_escalated"
	EventBudgetWarning        = "budget_warning"
	EventBudgetExceeded       = "budget_exceeded"
	EventErrorOccurred        = "error_occurred"
	EventRetryAttempted       = "retry_attempted"
	EventCircuitBreakerOpened = "circuit_breaker_opened"
	EventCircuitBreakerClosed = "circuit_breaker_closed"
	EventRoutingDecision      = "routing_decision"
	EventMetricsSnapshot      = "metrics_snapshot"
)

// Event is a single entry on the stream. Timestamp is fractional epoch
// seconds, matching the NDJSON log format.
type Event struct {
	Type      string         `json:"event_type"`
	Timestamp float64        `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Marshal renders the event as a single JSON object (one NDJSON line,
// one WebSocket text frame).
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// GlobalChannel receives every event.
const GlobalChannel = "events"

// TaskChannel returns the per-task subscription channel name.
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "events" or "task:abc-123"
}
