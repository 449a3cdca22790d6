// Package link owns the serial dialog with the robot's microcontroller:
// connecting, sending commands, parsing state/sensor frames, and tracking
// link health via a heartbeat.
package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
	"go.uber.org/atomic"

	"github.com/Moomers/penguins/internal/config"
)

// ErrBusy is returned by Send when the write lock could not be acquired
// within the configured timeout.
var ErrBusy = errors.New("link: busy")

// ErrFailure is returned when a serial read/write operation fails.
var ErrFailure = errors.New("link: failure")

// State mirrors the microcontroller's periodic state frame.
type State struct {
	Timestamp           time.Time
	CommandsSent        int
	CommandsReceived    int
	BadCommandsReceived int
	MsSinceCommand      int
	EmergencyStop       bool
}

// Reading is a single named sensor sample, timestamped at receipt.
type Reading struct {
	Timestamp time.Time
	Name      string
	Value     float64
}

// Port is the minimal surface Link needs from a transport: a
// ReadWriteCloser plus a deadline setter, satisfied by go.bug.st/serial's
// serial.Port and by the in-memory fake used in tests.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link owns the serial connection to the microcontroller.
type Link struct {
	cfg  config.LinkConfig
	open func() (Port, error)

	// sem is a 1-buffered channel standing in for write_lock: holding the
	// single token means holding the lock. Acquiring with a timeout is a
	// select against the channel receive, so a caller that loses the race
	// never ends up owning the token — unlike a sync.Mutex, there is no
	// background goroutine left blocked mid-Lock() after a timeout.
	sem    chan struct{}
	port   Port
	reader *bufio.Reader

	commandsSent atomic.Int64 // host-side count of commands written; never parsed off the wire

	state    atomic.Value // *State
	readings atomic.Value // map[string]Reading

	lastFrameAt atomic.Value // time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Link bound to a real serial port, opened lazily by
// Connect.
func New(cfg config.LinkConfig) *Link {
	l := &Link{
		cfg: cfg,
		sem: make(chan struct{}, 1),
		open: func() (Port, error) {
			mode := &serial.Mode{
				BaudRate: cfg.BaudRate,
				DataBits: 8,
				Parity:   serial.NoParity,
				StopBits: serial.OneStopBit,
			}
			p, err := serial.Open(cfg.Port, mode)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
	l.sem <- struct{}{}
	l.state.Store(&State{Timestamp: time.Time{}})
	l.readings.Store(map[string]Reading{})
	l.lastFrameAt.Store(time.Time{})
	return l
}

// lock blocks until the write_lock token is available. Used where no
// bounded-wait race is called for (Connect, Close, Poll).
func (l *Link) lock() { <-l.sem }

// unlock returns the write_lock token.
func (l *Link) unlock() { l.sem <- struct{}{} }

// tryLock attempts to acquire the write_lock token within timeout. On
// timeout it returns false without ever having taken the token, so the
// caller never holds (and therefore never needs to release) the lock.
func (l *Link) tryLock(timeout time.Duration) bool {
	select {
	case <-l.sem:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Connect opens the underlying serial port and starts the heartbeat
// goroutine. Safe to call once; Reset tears down and calls this again.
func (l *Link) Connect() error {
	l.lock()
	defer l.unlock()

	p, err := l.open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	if err := p.SetReadTimeout(l.cfg.IOTimeout); err != nil {
		p.Close()
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	l.port = p
	l.reader = bufio.NewReader(p)

	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	go l.heartbeatLoop(l.stopCh, l.doneCh)

	log.Printf("[link] connected to %s at %d baud", l.cfg.Port, l.cfg.BaudRate)
	return nil
}

// Close stops the heartbeat loop and closes the serial handle.
func (l *Link) Close() error {
	l.lock()
	stop := l.stopCh
	done := l.doneCh
	port := l.port
	l.unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if port != nil {
		return port.Close()
	}
	return nil
}

// Reset tears down and reopens the serial connection, then sends the
// reserved "R" reset token. Combines wire-level reset with connection
// teardown since the microcontroller protocol never separated the two
// (original_source left Arduino.reset() unimplemented).
func (l *Link) Reset() error {
	log.Printf("[link] resetting connection")
	if err := l.Close(); err != nil {
		log.Printf("[link] close during reset: %v", err)
	}
	if err := l.Connect(); err != nil {
		return err
	}
	return l.send("R")
}

// Send writes a command line to the microcontroller, bounded by
// WriteLockTimeout. Returns ErrBusy if the lock could not be acquired in
// time, ErrFailure on a write error.
func (l *Link) Send(cmd string) error {
	if !l.tryLock(l.cfg.WriteLockTimeout) {
		return ErrBusy
	}
	defer l.unlock()
	return l.sendLocked(cmd)
}

// send acquires the lock itself; used internally where no external
// timeout race is needed (e.g. right after Connect).
func (l *Link) send(cmd string) error {
	l.lock()
	defer l.unlock()
	return l.sendLocked(cmd)
}

// sendLocked writes cmd to the wire and, on success, bumps the host-side
// commands-sent counter. The microcontroller's state frame never reports
// commands_sent back (only commands_received), so Link is the sole
// source of truth for it.
func (l *Link) sendLocked(cmd string) error {
	if l.port == nil {
		return fmt.Errorf("%w: not connected", ErrFailure)
	}
	if _, err := l.port.Write([]byte(cmd + "\n")); err != nil {
		return fmt.Errorf("%w: %v", ErrFailure, err)
	}
	l.commandsSent.Inc()
	return nil
}

// Poll reads and parses the next available state/sensor frame from the
// wire, swaps it into the atomic state/readings snapshots, and returns
// the parsed State. Returns ErrFailure on a read or parse error.
func (l *Link) Poll() (*State, error) {
	l.lock()
	defer l.unlock()
	reader := l.reader

	if reader == nil {
		return nil, fmt.Errorf("%w: not connected", ErrFailure)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailure, err)
	}

	st, readings, err := parseFrame(line, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFailure, err)
	}
	st.CommandsSent = int(l.commandsSent.Load())

	l.state.Store(st)
	rm := make(map[string]Reading, len(readings))
	for _, r := range readings {
		rm[r.Name] = r
	}
	l.readings.Store(rm)
	l.lastFrameAt.Store(st.Timestamp)

	return st, nil
}

// State returns the most recently installed state snapshot.
func (l *Link) State() *State {
	return l.state.Load().(*State)
}

// Reading returns the most recent sample for a named sensor, if any.
func (l *Link) Reading(name string) (Reading, bool) {
	m := l.readings.Load().(map[string]Reading)
	r, ok := m[name]
	return r, ok
}

// IsHealthy reports whether a valid frame was installed within the last
// HealthTimeout wall-clock seconds. The original's is_healthy() compared
// in the wrong direction (timestamp < now - timeout); this implements the
// corrected semantics: healthy iff recent.
func (l *Link) IsHealthy() bool {
	last := l.lastFrameAt.Load().(time.Time)
	if last.IsZero() {
		return false
	}
	return time.Since(last) < l.cfg.HealthTimeout
}

func (l *Link) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := l.Poll(); err != nil {
				log.Printf("[link] poll error: %v", err)
			}
			if !l.tryLock(l.cfg.HeartbeatLockWait) {
				log.Printf("[link] heartbeat: %v", ErrBusy)
				continue
			}
			err := l.sendLocked("H")
			l.unlock()
			if err != nil {
				log.Printf("[link] heartbeat send error: %v", err)
			}
		}
	}
}
