// Package module frames how consumers plug into the bot core. A module
// declares a name and implements whichever capability interfaces it needs;
// the manager discovers capabilities by type assertion and never requires
// more than Module itself.
package module

import (
	"github.com/crystal-mush/clanbot/pkg/events"
	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/mail"
)

// Module is the minimal contract every module satisfies.
type Module interface {
	Name() string
}

// Configurer receives its option mapping once before initialization. The
// module may mutate the mapping to install defaults.
type Configurer interface {
	Configure(opts map[string]any) error
}

// Initializer receives the last persisted state blob (empty on first run)
// plus ambient data from the manager.
type Initializer interface {
	Initialize(prior string, init map[string]any) error
}

// Stater exposes a snapshot for persistence. The returned value is
// serialized to JSON by the manager on every sync tick.
type Stater interface {
	State() (any, error)
}

// ChatParser consumes every chat the director polls. The iteration counter
// lets a module correlate chats seen in the same director pass.
type ChatParser interface {
	ParseChat(msg gameapi.ChatMessage, iteration int) []string
}

// MailParser consumes inbound kmails. Mail is cascaded: the first module
// returning a non-nil reply list claims the message.
type MailParser interface {
	ParseMail(msg *mail.Inbound) []mail.Reply
}

// Heartbeater runs on the heartbeat pool's cadence.
type Heartbeater interface {
	Heartbeat()
}

// EventHandler subscribes the module to the event bus.
type EventHandler interface {
	OnEvent(d *events.Dispatch, ev events.Event) error
}

// Cleaner runs once at shutdown, after the final state sync.
type Cleaner interface {
	Cleanup()
}
