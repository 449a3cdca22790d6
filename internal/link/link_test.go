package link

import (
	"testing"
	"time"
)

func TestFakeLinkConnectAndPoll(t *testing.T) {
	l, feeder := NewFake()
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	feeder.Feed("C:1;B:0;L:5;E:0;!BV:500;\n")

	st, err := l.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.CommandsReceived != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	r, ok := l.Reading("BV")
	if !ok || r.Value != 500 {
		t.Fatalf("expected BV reading of 500, got %+v ok=%v", r, ok)
	}
}

func TestLinkIsHealthyBeforeFirstFrame(t *testing.T) {
	l, _ := NewFake()
	if l.IsHealthy() {
		t.Fatal("expected unhealthy before any frame is installed")
	}
}

func TestLinkIsHealthyAfterFrame(t *testing.T) {
	l, feeder := NewFake()
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	feeder.Feed("C:1;B:0;L:0;E:0;!\n")
	if _, err := l.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !l.IsHealthy() {
		t.Fatal("expected healthy immediately after a frame is installed")
	}
}

func TestLinkBecomesUnhealthyAfterTimeout(t *testing.T) {
	l, feeder := NewFake()
	l.cfg.HealthTimeout = 10 * time.Millisecond
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	feeder.Feed("C:1;B:0;L:0;E:0;!\n")
	if _, err := l.Poll(); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if l.IsHealthy() {
		t.Fatal("expected unhealthy once past HealthTimeout with no new frame")
	}
}

func TestSendSucceedsOnConnectedLink(t *testing.T) {
	l, _ := NewFake()
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	if err := l.Send("G"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// Link.Poll reports commands_sent from its own local counter, not from
// the wire (the microcontroller never reports it back); each successful
// Send bumps it regardless of whether a frame has been polled yet.
func TestCommandsSentIsTrackedLocally(t *testing.T) {
	l, feeder := NewFake()
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()

	if err := l.Send("G"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := l.Send("X"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	feeder.Feed("C:0;B:0;L:0;E:0;!\n")
	st, err := l.Poll()
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.CommandsSent != 2 {
		t.Fatalf("expected CommandsSent=2 after two sends, got %d", st.CommandsSent)
	}
}

// Send must never leave the write_lock held after a timeout: a losing
// caller has to be able to retry (and succeed) once the lock frees up,
// instead of deadlocking every future Send/Poll forever.
func TestSendDoesNotLeakLockOnTimeout(t *testing.T) {
	l, _ := NewFake()
	if err := l.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer l.Close()
	l.cfg.WriteLockTimeout = 10 * time.Millisecond

	l.lock() // simulate another holder of write_lock

	if err := l.Send("G"); err != ErrBusy {
		t.Fatalf("expected ErrBusy while locked, got %v", err)
	}

	l.unlock() // the real holder releases

	if err := l.Send("G"); err != nil {
		t.Fatalf("expected Send to succeed once the lock is free, got %v", err)
	}
}
