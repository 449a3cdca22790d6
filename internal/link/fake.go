package link

import (
	"bytes"
	"io"
	"sync"
	"time"

	"github.com/Moomers/penguins/internal/config"
)

// fakePort is an in-memory io.ReadWriteCloser standing in for a serial
// port, the same role the teacher's ecu.DemoProvider plays for hardware.
type fakePort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buf.Len() == 0 {
		return 0, io.EOF
	}
	return f.buf.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	return len(p), nil
}

func (f *fakePort) Close() error { return nil }

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

// feed appends a raw frame line to the fake port's read buffer so a
// subsequent Poll() will observe it.
func (f *fakePort) feed(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.WriteString(line)
}

// NewFake constructs a Link whose transport is an in-memory fake, used
// for "--demo" operation and tests when no physical microcontroller is
// attached (original_source/server/server.py's FakeArduino fallback).
func NewFake() (*Link, *FakeFeeder) {
	fp := &fakePort{}
	cfg := config.LinkConfig{
		Port:              "fake",
		BaudRate:          9600,
		IOTimeout:         5 * time.Second,
		HealthTimeout:     2 * time.Second,
		HeartbeatInterval: time.Minute, // tests drive Poll() manually; NewFake takes no config, so this also applies in --demo
		WriteLockTimeout:  2 * time.Second,
		HeartbeatLockWait: 5 * time.Second,
	}
	l := New(cfg)
	l.open = func() (Port, error) { return fp, nil }
	return l, &FakeFeeder{port: fp}
}

// FakeFeeder lets tests push synthetic wire frames into a fake Link.
type FakeFeeder struct {
	port *fakePort
}

// Feed pushes a raw "<state>!<sensors>\n" line into the fake transport.
func (f *FakeFeeder) Feed(line string) {
	f.port.feed(line)
}
