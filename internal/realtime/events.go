package realtime

// Lifecycle events published on the event bus.
const (
	EventConnAdded        = "conn.added"
	EventConnRemoved      = "conn.removed"
	EventMessageQueued    = "message.queued"
	EventMessageDropped   = "message.dropped"
	EventRecoveryReplayed = "recovery.replayed"
)
