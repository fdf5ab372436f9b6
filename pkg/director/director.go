// Package director runs the orchestration loop: it polls chat, fans messages
// out to module managers, drains inbound mail through them, keeps the clan
// cache and inventory snapshot fresh, and translates server signals into bus
// events.
package director

import (
	"database/sql"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/clanbot/pkg/chat"
	"github.com/crystal-mush/clanbot/pkg/config"
	"github.com/crystal-mush/clanbot/pkg/events"
	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/mail"
	"github.com/crystal-mush/clanbot/pkg/metrics"
	"github.com/crystal-mush/clanbot/pkg/module"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// keepalive cadence for the idle-timeout /who
const whoInterval = 300 * time.Second

// Config wires a Director to the rest of the stack.
type Config struct {
	Conf     *config.Config
	Client   gameapi.Client
	Bus      *events.Bus
	Mail     *mail.Handler
	Chat     *chat.Dispatcher
	Ledger   *ledger.Ledger
	Store    *store.Store
	Managers []*module.Manager
	Snapshot *Snapshot
	Metrics  *metrics.Metrics
	Clan     *ClanCache
}

// Director drives the polling loop on a single goroutine. Everything it
// shares with other goroutines (the clan cache, the ledger snapshot) is
// internally locked.
type Director struct {
	cfg      Config
	cl       gameapi.Client
	managers []*module.Manager

	stop     chan struct{}
	stopOnce sync.Once

	iteration int
	lastSeen  int64 // chat poll cursor
	lastEvent int64 // green-event poll cursor

	lastWho  time.Time
	lastMail time.Time
	lastSync time.Time
	audited  bool
}

// New creates a Director. Managers are invoked in priority order.
func New(cfg Config) *Director {
	if cfg.Clan == nil {
		cfg.Clan = NewClanCache()
	}
	managers := make([]*module.Manager, len(cfg.Managers))
	copy(managers, cfg.Managers)
	sort.SliceStable(managers, func(i, j int) bool {
		return managers[i].Priority > managers[j].Priority
	})
	return &Director{
		cfg:      cfg,
		cl:       cfg.Client,
		managers: managers,
		stop:     make(chan struct{}),
	}
}

// Clan exposes the shared member cache to modules.
func (d *Director) Clan() *ClanCache { return d.cfg.Clan }

// Stop asks the run loop to exit after the current iteration.
func (d *Director) Stop() { d.stopOnce.Do(func() { close(d.stop) }) }

// Run executes the polling loop until stopped. It blocks the calling
// goroutine; the supervisor runs it on its own.
func (d *Director) Run() error {
	err := d.cfg.Bus.Register(d, "director", "director", nil, d.onEvent)
	if err != nil {
		return err
	}
	defer d.cfg.Bus.Unregister(d)
	defer d.syncManagers()

	if channel, err := d.cl.OpenChat(); err != nil {
		log.Printf("DIRECTOR: open chat: %v", err)
	} else {
		log.Printf("DIRECTOR: chat open on %s", channel)
	}
	if d.cfg.Snapshot != nil {
		if members, err := d.cfg.Snapshot.LoadRoster(); err != nil {
			log.Printf("DIRECTOR: roster warm start: %v", err)
		} else {
			d.cfg.Clan.Seed(members)
		}
	}

	ticker := time.NewTicker(d.cfg.Conf.ChatPollEvery())
	defer ticker.Stop()
	for {
		d.RunIteration()
		select {
		case <-d.stop:
			return nil
		case <-ticker.C:
		}
	}
}

// RunIteration performs one full pass: chat poll, keepalive, green events,
// mail drain, cache and snapshot refreshes, state sync. The inventory refresh
// runs before the mail drain so replies reserve against current holdings.
func (d *Director) RunIteration() {
	d.iteration++

	d.pollChat()

	if time.Since(d.lastWho) >= whoInterval {
		if _, err := d.cl.SendChat("/who"); err != nil {
			log.Printf("DIRECTOR: keepalive: %v", err)
		}
		d.lastWho = time.Now()
	}

	d.pollGreenEvents()
	d.refreshInventory()

	if time.Since(d.lastMail) >= d.cfg.Conf.MailEvery() {
		d.cfg.Mail.Notify()
		d.lastMail = time.Now()
	}
	d.drainInbox()

	if d.cfg.Clan.Age() >= d.cfg.Conf.ClanEvery() {
		d.refreshClan()
	}
	d.updateQueueDepth()

	if time.Since(d.lastSync) >= d.cfg.Conf.SyncEvery() {
		d.syncManagers()
		d.lastSync = time.Now()
	}

	if !d.audited {
		d.audited = true
		if err := d.cfg.Mail.AuditStock(); err != nil {
			log.Printf("DIRECTOR: stock audit: %v", err)
		}
	}
}

// chat classification kinds
const (
	kindSystem       = "system"
	kindNotification = "notification"
	kindPrivate      = "private"
	kindChannel      = "channel"
	kindUnknown      = "unknown"
)

func classify(msg gameapi.ChatMessage) string {
	switch {
	case msg.System && strings.Contains(msg.Text, "message"):
		return kindNotification
	case msg.System:
		return kindSystem
	case msg.Private:
		return kindPrivate
	case msg.Channel != "":
		return kindChannel
	default:
		return kindUnknown
	}
}

func (d *Director) pollChat() {
	lastSeen, msgs, err := d.cl.GetChatMessages(d.lastSeen)
	if err != nil {
		log.Printf("DIRECTOR: chat poll: %v", err)
		return
	}
	d.lastSeen = lastSeen
	for _, msg := range msgs {
		d.handleChat(msg)
	}
}

func (d *Director) handleChat(msg gameapi.ChatMessage) {
	kind := classify(msg)
	switch kind {
	case kindSystem:
		if isRolloverWarning(msg.Text) {
			log.Printf("DIRECTOR: rollover announced: %q", msg.Text)
			d.raise(events.SubjectRollover, nil)
			return
		}
	case kindNotification:
		// "New message received" and friends
		d.cfg.Mail.Notify()
		return
	case kindChannel:
		if msg.Channel == d.cfg.Conf.MainChannel {
			if _, known := d.cfg.Clan.Lookup(msg.SenderID); !known && msg.SenderID != 0 {
				d.refreshClan()
			}
		}
	}

	// every subscribed module sees every chat
	for _, g := range d.managers {
		for _, line := range g.ParseChat(msg, d.iteration) {
			if msg.Private {
				d.cfg.Chat.Send(chat.Private(msg.SenderID), line, false)
			} else {
				target := msg.Channel
				if target == "" {
					target = d.cfg.Conf.MainChannel
				}
				d.cfg.Chat.Send(chat.Channel(target), line, false)
			}
		}
	}
}

func isRolloverWarning(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "rollover") || strings.Contains(t, "maintenance")
}

func (d *Director) pollGreenEvents() {
	evs, err := d.cl.EventMessages(d.lastEvent)
	if err != nil {
		log.Printf("DIRECTOR: event poll: %v", err)
		return
	}
	for _, ev := range evs {
		if ev.Epoch > d.lastEvent {
			d.lastEvent = ev.Epoch
		}
		if strings.Contains(strings.ToLower(ev.Message), "new message") {
			d.cfg.Mail.Notify()
			d.raise(events.SubjectNewMail, nil)
		}
	}
}

// drainInbox surfaces every ready mail through the manager cascade and
// commits the winning replies.
func (d *Director) drainInbox() {
	for {
		in, err := d.cfg.Mail.TakeNext()
		if err != nil {
			log.Printf("DIRECTOR: take next: %v", err)
			return
		}
		if in == nil {
			return
		}
		var replies []mail.Reply
		for _, g := range d.managers {
			if replies = g.ParseMail(in); replies != nil {
				break
			}
		}
		if err := d.cfg.Mail.Respond(in.KmailID, replies); err != nil {
			log.Printf("DIRECTOR: respond %d: %v", in.KmailID, err)
			return
		}
	}
}

func (d *Director) refreshClan() {
	if err := d.cfg.Clan.Refresh(d.cl); err != nil {
		log.Printf("DIRECTOR: %v", err)
		return
	}
	if d.cfg.Snapshot != nil {
		if err := d.cfg.Snapshot.SaveRoster(d.cfg.Clan.All()); err != nil {
			log.Printf("DIRECTOR: roster snapshot: %v", err)
		}
	}
}

// refreshInventory updates the ledger's view of inventory and display
// storage, plus the reservation gauge.
func (d *Director) refreshInventory() {
	inv, err := d.cl.Inventory()
	if err != nil {
		log.Printf("DIRECTOR: inventory refresh: %v", err)
		return
	}
	d.cfg.Ledger.SetPhysical(inv)

	if display, err := d.cl.DisplayCaseContents(); err != nil {
		log.Printf("DIRECTOR: display refresh: %v", err)
	} else {
		d.cfg.Ledger.SetDisplay(display)
	}

	if d.cfg.Metrics != nil && d.cfg.Store != nil {
		total := 0
		err := d.cfg.Store.ReadTx(func(tx *sql.Tx) error {
			totals, err := ledger.ReservedTotals(tx)
			if err != nil {
				return err
			}
			for _, q := range totals {
				total += q
			}
			return nil
		})
		if err == nil {
			d.cfg.Metrics.ReservedItems.Set(float64(total))
		}
	}
}

// updateQueueDepth refreshes the per-state mail gauge. Every state is set so
// a drained state reads zero instead of its last value.
func (d *Director) updateQueueDepth() {
	if d.cfg.Metrics == nil || d.cfg.Store == nil {
		return
	}
	var counts map[store.MailState]int
	err := d.cfg.Store.ReadTx(func(tx *sql.Tx) error {
		var err error
		counts, err = store.MailStateCounts(tx)
		return err
	})
	if err != nil {
		log.Printf("DIRECTOR: queue depth: %v", err)
		return
	}
	for _, state := range store.MailStates {
		d.cfg.Metrics.MailQueueDepth.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (d *Director) syncManagers() {
	for _, g := range d.managers {
		if err := g.SyncState(); err != nil {
			log.Printf("DIRECTOR: sync %s: %v", g.Name, err)
		}
	}
}

func (d *Director) raise(subject string, data events.Payload) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.EventsRaised.Inc()
	}
	_, err := d.cfg.Bus.Raise(events.Event{
		SenderType: "director",
		SenderID:   "director",
		Subject:    subject,
		Data:       data,
	})
	if err != nil {
		log.Printf("DIRECTOR: raise %s: %v", subject, err)
	}
}

// onEvent reacts to system-level signals: any stop-class subject shuts the
// mail handler down early so no send is attempted on a dying session.
func (d *Director) onEvent(_ *events.Dispatch, ev events.Event) error {
	switch ev.Subject {
	case events.SubjectCrash, events.SubjectManualStop, events.SubjectManualRestart:
		log.Printf("DIRECTOR: %s received, stopping mail handler", ev.Subject)
		d.cfg.Mail.Stop()
	}
	return nil
}
