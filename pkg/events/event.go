package events

// Payload is the free-form data attached to an event or reply.
type Payload map[string]any

// Event is a message raised on the bus. Target selects subscribers: empty
// means broadcast, a name wrapped in double underscores matches a subscriber
// identity, anything else matches a subscriber type name. All matching is
// case-insensitive.
type Event struct {
	SenderType string
	SenderID   string
	Target     string
	Subject    string
	Data       Payload
}

// Well-known system subjects the director and supervisor exchange.
const (
	SubjectCrash         = "crash"
	SubjectManualStop    = "manual_stop"
	SubjectManualRestart = "manual_restart"
	SubjectRollover      = "rollover"
	SubjectNewMail       = "new_mail"
)
