package resilience

// FallbackStrategy names the recovery behaviour a worker's policy selects
// when its primary operation fails beyond retry.
type FallbackStrategy string

const (
	// FallbackSwitchCheaperModel retries the call once with a cheaper model.
	FallbackSwitchCheaperModel FallbackStrategy = "switch_cheaper_model"
	// FallbackMarkUnvalidated returns ok with validated=false.
	FallbackMarkUnvalidated FallbackStrategy = "mark_unvalidated"
	// FallbackSkipRAG returns an empty pattern list.
	FallbackSkipRAG FallbackStrategy = "skip_rag"
	// FallbackEscalateToHITL enqueues a human review task.
	FallbackEscalateToHITL FallbackStrategy = "escalate_to_hitl"
	// FallbackReturnDefault returns a caller-specified default value.
	FallbackReturnDefault FallbackStrategy = "return_default"
)
