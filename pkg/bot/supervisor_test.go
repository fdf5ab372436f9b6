package bot

import (
	"testing"
	"time"

	"github.com/crystal-mush/clanbot/pkg/events"
)

func TestBackoffLadder(t *testing.T) {
	cases := []struct {
		cur, session, want time.Duration
	}{
		{0, time.Minute, backoffStart},
		{backoffStart, time.Minute, 2 * backoffStart},
		{2 * backoffStart, 30 * time.Second, 4 * backoffStart},
		{90 * time.Minute, time.Minute, backoffCap},
		{backoffCap, time.Minute, backoffCap},
		// a long-lived session resets the ladder
		{backoffCap, 6 * time.Minute, backoffStart},
	}
	for _, c := range cases {
		if got := nextBackoff(c.cur, c.session); got != c.want {
			t.Errorf("nextBackoff(%s, %s) = %s, want %s", c.cur, c.session, got, c.want)
		}
	}
}

func TestEventSubjectsMapToExitReasons(t *testing.T) {
	cases := []struct {
		subject string
		want    ExitReason
	}{
		{events.SubjectRollover, ExitRollover},
		{events.SubjectManualStop, ExitManualStop},
		{events.SubjectManualRestart, ExitManualRestart},
		{events.SubjectCrash, ExitCrash},
	}
	for _, c := range cases {
		s := New(Config{})
		if err := s.onEvent(nil, events.Event{Subject: c.subject}); err != nil {
			t.Fatalf("onEvent(%s): %v", c.subject, err)
		}
		s.mu.Lock()
		got := s.reason
		s.mu.Unlock()
		if got != c.want {
			t.Errorf("subject %s: reason = %s, want %s", c.subject, got, c.want)
		}
	}
}

func TestShutdownWinsOverLaterEvents(t *testing.T) {
	s := New(Config{})
	s.Shutdown()
	s.onEvent(nil, events.Event{Subject: events.SubjectRollover})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ExitManualStop {
		t.Errorf("reason = %s, want manual stop", s.reason)
	}
}
