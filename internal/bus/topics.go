package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskRetrying     = "task.retrying"
	TopicTaskDeadLetter   = "task.dead_letter"
)

// Schedule topics.
const (
	TopicScheduleFired   = "schedule.fired"
	TopicScheduleSkipped = "schedule.skipped"
)

// Session run topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunFinished  = "run.finished"
	TopicRunCancelled = "run.cancelled"
)

// Mailbox topics.
const (
	TopicMailboxDelivered = "mailbox.delivered"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID     string
	SessionID  string
	ScheduleID string
	OldStatus  string
	NewStatus  string
}

// TaskFailureEvent is published on failure, retry scheduling, and dead-letter.
type TaskFailureEvent struct {
	TaskID      string
	ScheduleID  string
	Attempts    int
	MaxAttempts int
	Error       string
	WillRetry   bool
}

// ScheduleFiredEvent is published when a schedule fires or is skipped.
type ScheduleFiredEvent struct {
	ScheduleID string
	TaskID     string
	Queued     bool
	Reason     string
}

// RunEvent is published for session run lifecycle transitions.
type RunEvent struct {
	RunID     string
	SessionID string
	Mode      string
	Reason    string
}

// MailboxEvent is published when an envelope is delivered to a session.
type MailboxEvent struct {
	EnvelopeID string
	SessionID  string
	Kind       string
}
