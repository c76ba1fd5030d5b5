// Package resilience provides the error classification, retry, circuit
// breaker, and fallback machinery used around every external call the
// orchestrator makes.
package resilience

// Category classifies a failure for retry and routing decisions.
type Category string

// Failure categories. The first group is produced by Classify; the second
// group is assigned directly by the subsystems that detect the condition.
const (
	CategoryTransient         Category = "transient"
	CategoryRateLimit         Category = "rate_limit"
	CategoryTimeout           Category = "timeout"
	CategoryNetwork           Category = "network"
	CategoryServiceError      Category = "service_error"
	CategoryAuth              Category = "auth"
	CategoryInvalidInput      Category = "invalid_input"
	CategoryPermanent         Category = "permanent"
	CategorySubprocessTimeout Category = "subprocess_timeout"
	CategoryUnknown           Category = "unknown"

	CategoryCircuitOpen        Category = "circuit_open"
	CategoryBudgetExceeded     Category = "budget_exceeded"
	CategoryValidationFailed   Category = "validation_failed"
	CategoryRegressionDetected Category = "regression_detected"
	CategoryLowConfidence      Category = "low_confidence"
	CategoryNotFound           Category = "not_found"
	CategoryConflict           Category = "conflict"
	CategoryDegradedStore      Category = "degraded_store"
)

// Retryable reports whether a category may ever be retried. Auth failures,
// invalid input, and permanent errors never are.
func (c Category) Retryable() bool {
	switch c {
	case CategoryAuth, CategoryInvalidInput, CategoryPermanent:
		return false
	}
	return true
}
