package module

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/crystal-mush/clanbot/pkg/events"
	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/heartbeat"
	"github.com/crystal-mush/clanbot/pkg/mail"
	"github.com/crystal-mush/clanbot/pkg/metrics"
	"github.com/crystal-mush/clanbot/pkg/store"
)

// Deps are the core services a manager hands its modules.
type Deps struct {
	Store   *store.Store
	Bus     *events.Bus
	Pool    *heartbeat.Pool
	Metrics *metrics.Metrics
}

type slot struct {
	mod      Module
	priority int
}

// Manager owns an ordered set of modules. Chat is fanned out to every module;
// mail is cascaded until one claims it; state is persisted as one row per
// (manager, module) pair. A misbehaving module is contained: its panic or
// error is logged and its contribution dropped.
type Manager struct {
	Name     string
	Priority int

	deps  Deps
	slots []slot
}

// NewManager creates an empty manager.
func NewManager(name string, priority int, deps Deps) *Manager {
	return &Manager{Name: name, Priority: priority, deps: deps}
}

// Add registers a module at a priority. Higher priorities run first.
func (g *Manager) Add(m Module, priority int) {
	g.slots = append(g.slots, slot{mod: m, priority: priority})
	sort.SliceStable(g.slots, func(i, j int) bool {
		return g.slots[i].priority > g.slots[j].priority
	})
}

// Modules returns the modules in invocation order.
func (g *Manager) Modules() []Module {
	out := make([]Module, len(g.slots))
	for i, s := range g.slots {
		out[i] = s.mod
	}
	return out
}

// Configure passes each module its option mapping. A nil mapping is handed
// through as an empty one so modules can install defaults.
func (g *Manager) Configure(options map[string]map[string]any) error {
	for _, s := range g.slots {
		c, ok := s.mod.(Configurer)
		if !ok {
			continue
		}
		opts := options[s.mod.Name()]
		if opts == nil {
			opts = make(map[string]any)
		}
		if err := c.Configure(opts); err != nil {
			return fmt.Errorf("module %s/%s: configure: %w", g.Name, s.mod.Name(), err)
		}
	}
	return nil
}

// Initialize restores persisted state into each module, then registers event
// and heartbeat capabilities. Configuration errors are fatal; the bot should
// not limp along with half a module set.
func (g *Manager) Initialize(init map[string]any) error {
	for _, s := range g.slots {
		mod := s.mod
		if ini, ok := mod.(Initializer); ok {
			var prior string
			err := g.deps.Store.ReadTx(func(tx *sql.Tx) error {
				blob, ok, err := store.ModuleState(tx, g.Name, mod.Name())
				if err != nil {
					return err
				}
				if ok {
					prior = blob
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("module %s/%s: load state: %w", g.Name, mod.Name(), err)
			}
			if err := ini.Initialize(prior, init); err != nil {
				return fmt.Errorf("module %s/%s: initialize: %w", g.Name, mod.Name(), err)
			}
		}
		if eh, ok := mod.(EventHandler); ok {
			identity := g.Name + "." + mod.Name()
			err := g.deps.Bus.Register(mod, g.Name, identity, nil, func(d *events.Dispatch, ev events.Event) error {
				return g.contain(mod.Name(), func() error { return eh.OnEvent(d, ev) })
			})
			if err != nil {
				return err
			}
		}
		if hb, ok := mod.(Heartbeater); ok {
			if err := g.deps.Pool.Register(mod, func() { hb.Heartbeat() }); err != nil {
				return fmt.Errorf("module %s/%s: %w", g.Name, mod.Name(), err)
			}
		}
	}
	return nil
}

// contain runs fn, converting a panic into a logged, counted error. Module
// failures never propagate past the manager.
func (g *Manager) contain(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = nil // contained: the module's contribution is dropped
			log.Printf("MODULE: %s/%s panicked: %v", g.Name, name, r)
			if g.deps.Metrics != nil {
				g.deps.Metrics.ModuleErrors.WithLabelValues(name).Inc()
			}
		}
	}()
	if err := fn(); err != nil {
		log.Printf("MODULE: %s/%s: %v", g.Name, name, err)
		if g.deps.Metrics != nil {
			g.deps.Metrics.ModuleErrors.WithLabelValues(name).Inc()
		}
	}
	return nil
}

// ParseChat fans one chat out to every parsing module in priority order and
// concatenates their outgoing lines.
func (g *Manager) ParseChat(msg gameapi.ChatMessage, iteration int) []string {
	var out []string
	for _, s := range g.slots {
		p, ok := s.mod.(ChatParser)
		if !ok {
			continue
		}
		name := s.mod.Name()
		g.contain(name, func() error {
			out = append(out, p.ParseChat(msg, iteration)...)
			return nil
		})
	}
	return out
}

// ParseMail cascades one inbound kmail down the priority order; the first
// module returning a non-nil reply list claims it.
func (g *Manager) ParseMail(msg *mail.Inbound) []mail.Reply {
	var claimed []mail.Reply
	for _, s := range g.slots {
		p, ok := s.mod.(MailParser)
		if !ok {
			continue
		}
		name := s.mod.Name()
		g.contain(name, func() error {
			claimed = p.ParseMail(msg)
			return nil
		})
		if claimed != nil {
			return claimed
		}
	}
	return nil
}

// SyncState persists every module's snapshot in one transaction. A snapshot
// or marshal failure is reported per-module and skips only that module's row.
func (g *Manager) SyncState() error {
	return g.deps.Store.WithTx(func(tx *sql.Tx) error {
		for _, s := range g.slots {
			st, ok := s.mod.(Stater)
			if !ok {
				continue
			}
			snap, err := st.State()
			if err != nil {
				log.Printf("MODULE: %s/%s: state snapshot: %v", g.Name, s.mod.Name(), err)
				continue
			}
			blob, err := json.Marshal(snap)
			if err != nil {
				log.Printf("MODULE: %s/%s: state marshal: %v", g.Name, s.mod.Name(), err)
				continue
			}
			if err := store.PutModuleState(tx, g.Name, s.mod.Name(), string(blob)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup runs shutdown hooks and unhooks modules from the bus and pool.
func (g *Manager) Cleanup() {
	for _, s := range g.slots {
		mod := s.mod
		if _, ok := mod.(EventHandler); ok {
			g.deps.Bus.Unregister(mod)
		}
		if _, ok := mod.(Heartbeater); ok {
			g.deps.Pool.Unregister(mod)
		}
		if c, ok := mod.(Cleaner); ok {
			name := mod.Name()
			g.contain(name, func() error {
				c.Cleanup()
				return nil
			})
		}
	}
}
