package bus

// Task lifecycle topics.
const (
	TopicTaskCreated       = "task.created"
	TopicTaskStatusChanged = "task.status_changed"
	TopicTaskResolved      = "task.resolved"
	TopicTaskEscalated     = "task.escalated"
)

// Command outbox topics.
const (
	TopicCommandIssued     = "command.issued"
	TopicCommandSucceeded  = "command.succeeded"
	TopicCommandRetrying   = "command.retrying"
	TopicCommandDeadLetter = "command.dead_letter"
)

// Event log topics.
const (
	TopicEventPublished = "event.published"
)

// TaskStatusChangedEvent is published when a task moves between statuses.
type TaskStatusChangedEvent struct {
	TaskID    string // Task ID
	AccountID string // Owning account
	OldStatus string // Previous status (e.g. open)
	NewStatus string // New status (e.g. awaiting_reply)
	Outcome   string // Outcome, set only on resolved/escalated
}

// CommandEvent is published when a command reaches a notable state.
type CommandEvent struct {
	CommandID   string // Command ID
	CommandType string // Command type (e.g. send_email)
	TaskID      string // Linked task, if any
	Attempts    int    // Attempts so far
	Error       string // Last error, if any
}
