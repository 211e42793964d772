package task

// ErrKind names a core failure mode. Kinds are surfaced in logs, in error
// steps' payloads, and in terminal task statuses.
type ErrKind string

const (
	ErrInvalidParams        ErrKind = "invalid_params"
	ErrToolError            ErrKind = "tool_error"
	ErrToolTimeout          ErrKind = "timeout"
	ErrUnreachable          ErrKind = "unreachable"
	ErrFabricatedResult     ErrKind = "fabricated_result"
	ErrUnparseableOutput    ErrKind = "unparseable_output"
	ErrProviderStalled      ErrKind = "provider_stalled"
	ErrStepCap              ErrKind = "step_cap"
	ErrTaskTimeout          ErrKind = "task_timeout"
	ErrRedeliveryExhausted  ErrKind = "redelivery_exhausted"
	ErrQueueUnavailable     ErrKind = "queue_unavailable"
	ErrSessionConflict      ErrKind = "session_conflict"
)

// Terminal reports whether the kind ends the task as opposed to being
// surfaced to the model as a tool result.
func (k ErrKind) Terminal() bool {
	switch k {
	case ErrUnparseableOutput, ErrProviderStalled, ErrStepCap, ErrTaskTimeout, ErrRedeliveryExhausted:
		return true
	}
	return false
}
