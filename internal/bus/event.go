package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by namespace prefix, e.g. "message." for
// all message events or "live." for connection-state indicators.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendFailed = "message.send_failed"
	KindMessageSendAck    = "message.send_ack"
	KindMessageRead       = "message.read"
	KindThreadUpdated     = "thread.updated"
	KindTypingChanged     = "typing.changed"
	KindUploadProgress    = "upload.progress"
	KindLiveReconnecting  = "live.reconnecting"
	KindLiveRestored      = "live.restored"
	KindLiveLost          = "live.lost"
)
