package protocol

// Journal event types written by the coordinator and router.
const (
	EventCreated           = "created"
	EventDelivered         = "delivered"
	EventAnswered          = "answered"
	EventTimedOut          = "timed_out"
	EventErrored           = "errored"
	EventCancelled         = "cancelled"
	EventLateAnswer        = "late_answer"
	EventRearmed           = "rearmed"
	EventPruned            = "pruned"
	EventRecoveryAttempted = "recovery_attempted"
)

// JournalEntry represents a row in the events SQLite table.
type JournalEntry struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}
