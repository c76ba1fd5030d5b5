package hotstore

import "time"

// TTLs for the well-known key families.
const (
	SessionTTL = time.Hour
	TaskTTL    = 24 * time.Hour
	HITLTTL    = 24 * time.Hour
	MetricsTTL = 30 * 24 * time.Hour
)

// Key builders for the shared keyspace. Every subsystem goes through these
// so the layout lives in one place.
func SessionKey(sessionID string) string { return "session:" + sessionID }
func TaskKey(taskID string) string       { return "task:" + taskID }
func TaskStatusKey(taskID string) string { return "task:" + taskID + ":status" }
func BudgetKey(sessionID string) string  { return "budget:session:" + sessionID }

func MedicAttemptsKey(taskID string) string { return "medic:attempts:" + taskID }
func MedicHistoryKey(taskID string) string  { return "medic:history:" + taskID }

func BreakerKey(name string) string { return "cb:" + name }

// TaskQueueKey is the list of queued task IDs.
const TaskQueueKey = "queue:tasks"

// HITLQueueKey is the priority-scored sorted set of escalated tasks.
const HITLQueueKey = "hitl:queue"

func HITLTaskKey(taskID string) string { return "hitl:task:" + taskID }

// MetricKey builds a time-bucketed metrics key:
// metrics:{metric}:{dimension}:{YYYY-MM-DD-HH}.
func MetricKey(metric, dimension, hourBucket string) string {
	return "metrics:" + metric + ":" + dimension + ":" + hourBucket
}
