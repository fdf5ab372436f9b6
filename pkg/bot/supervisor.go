// Package bot is the supervisor: it opens a session against the game server,
// assembles the communication stack, runs the director, and decides what to
// do when the session ends, whether that is sleeping through rollover,
// backing off after a crash, restarting, or exiting.
package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/crystal-mush/clanbot/pkg/chat"
	"github.com/crystal-mush/clanbot/pkg/config"
	"github.com/crystal-mush/clanbot/pkg/director"
	"github.com/crystal-mush/clanbot/pkg/events"
	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/heartbeat"
	"github.com/crystal-mush/clanbot/pkg/ledger"
	"github.com/crystal-mush/clanbot/pkg/mail"
	"github.com/crystal-mush/clanbot/pkg/metrics"
	"github.com/crystal-mush/clanbot/pkg/module"
	"github.com/crystal-mush/clanbot/pkg/store"
	"github.com/crystal-mush/clanbot/pkg/websrv"
)

// ExitReason classifies why a session ended.
type ExitReason int

const (
	ExitCrash ExitReason = iota
	ExitRollover
	ExitManualStop
	ExitManualRestart
	ExitFatal
)

func (r ExitReason) String() string {
	switch r {
	case ExitRollover:
		return "rollover"
	case ExitManualStop:
		return "manual stop"
	case ExitManualRestart:
		return "manual restart"
	case ExitFatal:
		return "fatal"
	default:
		return "crash"
	}
}

const (
	backoffStart = time.Minute
	backoffCap   = 2 * time.Hour
	// a session shorter than this after a crash counts as a crash loop
	shortSession = 5 * time.Minute
	fatalWait    = time.Hour
)

// nextBackoff computes the sleep before the next connect attempt. A session
// that outlived the crash-loop window resets the ladder.
func nextBackoff(cur, sessionLen time.Duration) time.Duration {
	if sessionLen >= shortSession {
		return backoffStart
	}
	if cur <= 0 {
		return backoffStart
	}
	next := cur * 2
	if next > backoffCap {
		next = backoffCap
	}
	return next
}

// ModuleFactory builds a game module by its configured name. Returning nil
// skips the entry with a log line.
type ModuleFactory func(name string) module.Module

// Config wires a Supervisor.
type Config struct {
	Conf    *config.Config
	Metrics *metrics.Metrics

	// Connect opens an authenticated session. Called once per session.
	Connect func() (gameapi.Client, error)

	// Factory supplies module implementations for the configured managers.
	// Nil means managers start empty (the core ships no game modules).
	Factory ModuleFactory

	Version string
}

// Supervisor is the process main loop. Run blocks until the bot is told to
// exit; Shutdown asks for a graceful stop from a signal handler.
type Supervisor struct {
	cfg     Config
	backoff time.Duration

	mu     sync.Mutex
	reason ExitReason
	dir    *director.Director
	halted bool
	halt   chan struct{}
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, halt: make(chan struct{})}
}

// Shutdown requests a graceful stop: the current session winds down as a
// manual stop and Run returns. Safe to call from a signal handler goroutine.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	s.halted = true
	close(s.halt)
	s.reason = ExitManualStop
	if s.dir != nil {
		s.dir.Stop()
	}
}

func (s *Supervisor) setReason(r ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return
	}
	s.reason = r
	if s.dir != nil {
		s.dir.Stop()
	}
}

// sleep waits d unless Shutdown arrives first. Reports whether the wait
// completed.
func (s *Supervisor) sleep(d time.Duration) bool {
	select {
	case <-s.halt:
		return false
	case <-time.After(d):
		return true
	}
}

// Run loops sessions until a manual stop, a restart exec, or Shutdown.
// The return value is the process exit code.
func (s *Supervisor) Run() int {
	for {
		start := time.Now()
		reason, err := s.runSession()
		sessionLen := time.Since(start)
		if err != nil {
			log.Printf("BOT: session ended (%s) after %s: %v", reason, sessionLen.Round(time.Second), err)
		} else {
			log.Printf("BOT: session ended (%s) after %s", reason, sessionLen.Round(time.Second))
		}

		switch reason {
		case ExitManualStop:
			return 0
		case ExitManualRestart:
			if err := execSelf(); err != nil {
				log.Printf("BOT: restart exec: %v", err)
				return 1
			}
		case ExitRollover:
			wait := time.Duration(s.cfg.Conf.RolloverWait) * time.Second
			s.backoff = 0
			log.Printf("BOT: waiting %s for rollover", wait)
			if !s.sleep(wait) {
				return 0
			}
		case ExitFatal:
			log.Printf("BOT: waiting %s after fatal error", fatalWait)
			if !s.sleep(fatalWait) {
				return 0
			}
		default: // crash
			s.backoff = nextBackoff(s.backoff, sessionLen)
			log.Printf("BOT: backing off %s before reconnect", s.backoff)
			if !s.sleep(s.backoff) {
				return 0
			}
		}
	}
}

// session is one connected stack. Fields are torn down in reverse build
// order.
type session struct {
	cl   gameapi.Client
	st   *store.Store
	snap *director.Snapshot
	bus  *events.Bus
	stop chan struct{} // heartbeat pool stop
	pool *heartbeat.Pool
	h    *mail.Handler
	disp *chat.Dispatcher
	dir  *director.Director
	web  *websrv.Server
	mgrs []*module.Manager
}

func (s *Supervisor) runSession() (ExitReason, error) {
	conf := s.cfg.Conf
	s.mu.Lock()
	if s.halted {
		s.mu.Unlock()
		return ExitManualStop, nil
	}
	s.reason = ExitCrash
	s.mu.Unlock()

	cl, err := s.cfg.Connect()
	if err != nil {
		return ExitCrash, fmt.Errorf("bot: connect: %w", err)
	}

	sess, err := s.build(cl)
	if err != nil {
		return ExitCrash, err
	}
	defer s.teardown(sess)

	// the supervisor reacts to director signals: rollover, manual controls,
	// crash announcements
	err = sess.bus.Register(s, "supervisor", "supervisor", nil, s.onEvent)
	if err != nil {
		return ExitFatal, fmt.Errorf("bot: bus register: %w", err)
	}
	defer sess.bus.Unregister(s)

	s.mu.Lock()
	s.dir = sess.dir
	halted := s.halted
	s.mu.Unlock()
	if halted {
		return ExitManualStop, nil
	}
	defer func() {
		s.mu.Lock()
		s.dir = nil
		s.mu.Unlock()
	}()

	sess.h.Start()
	if sess.web != nil {
		go func() {
			if err := sess.web.Start(); err != nil {
				log.Printf("BOT: status server: %v", err)
			}
		}()
	}

	// worker failures surface through error slots, not panics; poll them
	monitorStop := make(chan struct{})
	defer close(monitorStop)
	go s.monitor(sess, monitorStop)

	log.Printf("BOT: session up as %s", conf.Username)
	runErr := sess.dir.Run()

	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	if runErr != nil {
		return ExitFatal, fmt.Errorf("bot: director: %w", runErr)
	}

	var sessionErr error
	if reason == ExitFatal {
		if err := sess.h.Err(); err != nil {
			sessionErr = err
		} else if err := sess.pool.Err(); err != nil {
			sessionErr = err
		}
		s.reportFatal(sess, sessionErr)
	}
	return reason, sessionErr
}

func (s *Supervisor) build(cl gameapi.Client) (*session, error) {
	conf := s.cfg.Conf

	st, err := store.Open(conf.Store)
	if err != nil {
		return nil, err
	}
	led := ledger.New(st)

	snap, err := director.OpenSnapshot(filepath.Join(conf.DataDir, "snapshot.db"), cl)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := events.NewBus()
	stop := make(chan struct{})
	pool := heartbeat.NewPool(conf.HeartbeatWorkers, conf.HeartbeatEvery(), stop)
	if s.cfg.Metrics != nil {
		pool.Panics = s.cfg.Metrics.HeartbeatPanics
	}

	h := mail.New(mail.Config{
		Store:   st,
		Ledger:  led,
		Client:  cl,
		Metrics: s.cfg.Metrics,
		Items:   snap,
		CanReceiveItems: func() bool {
			status, err := cl.Status()
			if err != nil {
				return true
			}
			return status.CanReceiveItems()
		},
		FailAdmins: func() []gameapi.UserID { return conf.AdminsWith("mail_fail") },
		Interval:   conf.MailEvery(),
	})
	if err := h.Reconcile(); err != nil {
		snap.Close()
		st.Close()
		close(stop)
		return nil, fmt.Errorf("bot: reconcile: %w", err)
	}

	disp := chat.NewDispatcher(chat.Config{
		Client:      cl,
		Metrics:     s.cfg.Metrics,
		MinDelay:    conf.MinChatDelay(),
		IdleTimeout: conf.ChatIdle(),
		MaxTargets:  conf.MaxChatTargets,
		MainChannel: conf.MainChannel,
	})

	deps := module.Deps{Store: st, Bus: bus, Pool: pool, Metrics: s.cfg.Metrics}
	var mgrs []*module.Manager
	for _, mc := range conf.Managers {
		g := module.NewManager(mc.Name, mc.Priority, deps)
		options := make(map[string]map[string]any)
		for _, mod := range mc.Modules {
			if s.cfg.Factory == nil {
				log.Printf("BOT: no module factory, skipping %s/%s", mc.Name, mod.Name)
				continue
			}
			m := s.cfg.Factory(mod.Name)
			if m == nil {
				log.Printf("BOT: unknown module %s/%s", mc.Name, mod.Name)
				continue
			}
			g.Add(m, mod.Priority)
			options[mod.Name] = mod.Options
		}
		if err := g.Configure(options); err != nil {
			snap.Close()
			st.Close()
			close(stop)
			return nil, fmt.Errorf("bot: configure %s: %w", mc.Name, err)
		}
		if err := g.Initialize(nil); err != nil {
			snap.Close()
			st.Close()
			close(stop)
			return nil, fmt.Errorf("bot: initialize %s: %w", mc.Name, err)
		}
		mgrs = append(mgrs, g)
	}

	dir := director.New(director.Config{
		Conf:     conf,
		Client:   cl,
		Bus:      bus,
		Mail:     h,
		Chat:     disp,
		Ledger:   led,
		Store:    st,
		Managers: mgrs,
		Snapshot: snap,
		Metrics:  s.cfg.Metrics,
	})

	var web *websrv.Server
	if conf.StatusPort > 0 {
		web = websrv.New(websrv.Config{Port: conf.StatusPort, Bus: bus})
	}

	pool.Start()
	disp.Start()

	return &session{
		cl: cl, st: st, snap: snap, bus: bus, stop: stop, pool: pool,
		h: h, disp: disp, dir: dir, web: web, mgrs: mgrs,
	}, nil
}

// monitor watches the worker error slots and escalates the first failure to
// a fatal session end.
func (s *Supervisor) monitor(sess *session, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if sess.h.Err() != nil || sess.pool.Err() != nil {
				s.setReason(ExitFatal)
				return
			}
		}
	}
}

func (s *Supervisor) onEvent(_ *events.Dispatch, ev events.Event) error {
	switch ev.Subject {
	case events.SubjectRollover:
		s.setReason(ExitRollover)
	case events.SubjectManualStop:
		s.setReason(ExitManualStop)
	case events.SubjectManualRestart:
		s.setReason(ExitManualRestart)
	case events.SubjectCrash:
		s.setReason(ExitCrash)
	}
	return nil
}

// reportFatal queues admin mail (delivered when a healthy session next runs
// the outbox) and announces the failure in the main channel.
func (s *Supervisor) reportFatal(sess *session, cause error) {
	text := "I hit a fatal error and am standing down for a while."
	if cause != nil {
		text = fmt.Sprintf("I hit a fatal error and am standing down for a while:\n\n%v", cause)
	}
	var replies []mail.Reply
	for _, uid := range s.cfg.Conf.AdminsWith("mail_fail") {
		replies = append(replies, mail.Reply{Recipient: uid, Text: text})
	}
	if len(replies) > 0 {
		if err := sess.h.SendUnsolicited(replies...); err != nil {
			log.Printf("BOT: fatal report mail: %v", err)
		}
	}
	sess.disp.Send(chat.Channel(s.cfg.Conf.MainChannel),
		"Something went badly wrong; shutting down until an operator looks at me.", true)
}

func (s *Supervisor) teardown(sess *session) {
	sess.dir.Stop()
	sess.h.Stop()
	sess.h.Join()
	sess.disp.Stop()
	sess.disp.Join()
	close(sess.stop)
	sess.pool.Join()
	for _, g := range sess.mgrs {
		g.Cleanup()
	}
	if sess.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		sess.web.Stop(ctx)
		cancel()
	}
	if err := sess.snap.Close(); err != nil {
		log.Printf("BOT: snapshot close: %v", err)
	}
	if err := sess.st.Close(); err != nil {
		log.Printf("BOT: store close: %v", err)
	}
}

// execSelf replaces the process image for a manual restart.
func execSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
