package module

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
	"github.com/crystal-mush/clanbot/pkg/mail"
	"github.com/crystal-mush/clanbot/pkg/store"
)

type testMod struct {
	name        string
	calls       *[]string
	chatReplies []string
	mailReplies []mail.Reply
	panicOnChat bool
	snapshot    any
	prior       string
	opts        map[string]any
}

func (m *testMod) Name() string { return m.name }

func (m *testMod) Configure(opts map[string]any) error {
	m.opts = opts
	return nil
}

func (m *testMod) Initialize(prior string, init map[string]any) error {
	m.prior = prior
	return nil
}

func (m *testMod) State() (any, error) { return m.snapshot, nil }

func (m *testMod) ParseChat(msg gameapi.ChatMessage, iteration int) []string {
	*m.calls = append(*m.calls, m.name)
	if m.panicOnChat {
		panic("module bug")
	}
	return m.chatReplies
}

func (m *testMod) ParseMail(msg *mail.Inbound) []mail.Reply {
	*m.calls = append(*m.calls, m.name)
	return m.mailReplies
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager("main", 10, Deps{Store: st}), st
}

func TestChatFanOutInPriorityOrder(t *testing.T) {
	g, _ := newTestManager(t)
	var calls []string
	g.Add(&testMod{name: "low", calls: &calls, chatReplies: []string{"from-low"}}, 1)
	g.Add(&testMod{name: "high", calls: &calls, chatReplies: []string{"from-high"}}, 9)
	g.Add(&testMod{name: "mid", calls: &calls}, 5)

	out := g.ParseChat(gameapi.ChatMessage{Text: "hi"}, 1)

	if strings.Join(calls, ",") != "high,mid,low" {
		t.Errorf("invocation order = %v", calls)
	}
	if strings.Join(out, ",") != "from-high,from-low" {
		t.Errorf("replies = %v", out)
	}
}

func TestMailCascadeFirstClaimWins(t *testing.T) {
	g, _ := newTestManager(t)
	var calls []string
	claim := []mail.Reply{{Recipient: 1001, Text: "claimed"}}
	g.Add(&testMod{name: "quiet", calls: &calls}, 9)
	g.Add(&testMod{name: "claimer", calls: &calls, mailReplies: claim}, 5)
	g.Add(&testMod{name: "never", calls: &calls, mailReplies: []mail.Reply{{Text: "nope"}}}, 1)

	got := g.ParseMail(&mail.Inbound{Text: "hookah"})

	if len(got) != 1 || got[0].Text != "claimed" {
		t.Errorf("replies = %+v", got)
	}
	if strings.Join(calls, ",") != "quiet,claimer" {
		t.Errorf("cascade order = %v", calls)
	}
}

func TestModulePanicIsContained(t *testing.T) {
	g, _ := newTestManager(t)
	var calls []string
	g.Add(&testMod{name: "bad", calls: &calls, panicOnChat: true}, 9)
	g.Add(&testMod{name: "good", calls: &calls, chatReplies: []string{"still here"}}, 1)

	out := g.ParseChat(gameapi.ChatMessage{}, 1)
	if strings.Join(out, ",") != "still here" {
		t.Errorf("replies = %v", out)
	}
	if strings.Join(calls, ",") != "bad,good" {
		t.Errorf("calls = %v", calls)
	}
}

func TestStateSyncAndRestore(t *testing.T) {
	g, st := newTestManager(t)
	var calls []string
	g.Add(&testMod{name: "counter", calls: &calls, snapshot: map[string]int{"count": 3}}, 1)
	// a channel can never be marshalled; only this module's row is skipped
	g.Add(&testMod{name: "broken", calls: &calls, snapshot: make(chan int)}, 2)

	if err := g.SyncState(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	st.ReadTx(func(tx *sql.Tx) error {
		blob, ok, err := store.ModuleState(tx, "main", "counter")
		if err != nil || !ok {
			t.Fatalf("counter state missing: %v", err)
		}
		if blob != `{"count":3}` {
			t.Errorf("blob = %q", blob)
		}
		if _, ok, _ := store.ModuleState(tx, "main", "broken"); ok {
			t.Error("unmarshallable module state was written")
		}
		return nil
	})

	// a fresh manager restores the persisted blob on initialize
	g2 := NewManager("main", 10, Deps{Store: st})
	restored := &testMod{name: "counter", calls: &calls}
	g2.Add(restored, 1)
	if err := g2.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if restored.prior != `{"count":3}` {
		t.Errorf("prior = %q", restored.prior)
	}
}

func TestConfigureInstallsEmptyOptions(t *testing.T) {
	g, _ := newTestManager(t)
	var calls []string
	m := &testMod{name: "echo", calls: &calls}
	g.Add(m, 1)

	if err := g.Configure(nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if m.opts == nil {
		t.Error("module handed a nil option mapping")
	}
}
