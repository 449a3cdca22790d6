package netserver

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Moomers/penguins/internal/config"
	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/link"
	"github.com/Moomers/penguins/internal/robot"
)

type fakeLink struct {
	healthy    bool
	resetCalls int
	state      link.State
}

func (f *fakeLink) State() *link.State { return &f.state }
func (f *fakeLink) IsHealthy() bool    { return f.healthy }
func (f *fakeLink) Reset() error       { f.resetCalls++; return nil }
func (f *fakeLink) Send(string) error  { return nil }

func testDriverConfig() config.DriverConfig {
	return config.DriverConfig{
		MinSpeed: 5, MaxSpeed: 95, MaxTurnSpeed: 50,
		MaxAcceleration: 3, MaxBraking: 20,
		SpeedAdjust: 1, LeftSpeedAdjust: 1, RightSpeedAdjust: 1,
	}
}

func newTestBot() *robot.Robot {
	fl := &fakeLink{healthy: true}
	drv := driver.New(testDriverConfig(), fl)
	return robot.New(fl, drv, nil)
}

// readReply reads one "<decimal length>\n<body>" frame per spec.md §6.
func readReply(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	lenLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read length line: %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(lenLine))
	if err != nil {
		t.Fatalf("length line not decimal ASCII: %q: %v", lenLine, err)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return body
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func startServer(t *testing.T, bot *robot.Robot, onShutdown func()) (addr string, stop chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{addr: ln.Addr().String(), bot: bot, onShutdown: onShutdown}
	stop = make(chan struct{})
	go func() {
		<-stop
		ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn)
		}
	}()
	return ln.Addr().String(), stop
}

func TestReplyUsesDecimalAsciiLengthFraming(t *testing.T) {
	bot := newTestBot()
	addr, stop := startServer(t, bot, nil)
	defer close(stop)

	conn := dial(t, addr)
	defer conn.Close()

	conn.Write([]byte("status\n"))
	r := bufio.NewReader(conn)
	body := readReply(t, r)
	if len(body) == 0 {
		t.Fatal("expected a non-empty CBOR body")
	}
}

func TestShutdownCommandInvokesCallback(t *testing.T) {
	bot := newTestBot()
	called := make(chan struct{}, 1)
	addr, stop := startServer(t, bot, func() { called <- struct{}{} })
	defer close(stop)

	conn := dial(t, addr)
	defer conn.Close()

	conn.Write([]byte("shutdown\n"))
	r := bufio.NewReader(conn)
	readReply(t, r)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected onShutdown to be invoked")
	}
}

// Review fix: a viewer-only connection (never took the controller
// lease) disconnecting must not halt an actively-driven robot.
func TestViewerDisconnectDoesNotStopRobot(t *testing.T) {
	bot := newTestBot()
	addr, stop := startServer(t, bot, nil)
	defer close(stop)

	controller := dial(t, addr)
	defer controller.Close()
	cr := bufio.NewReader(controller)
	controller.Write([]byte("control\n"))
	readReply(t, cr)
	controller.Write([]byte("go\n"))
	readReply(t, cr)

	viewer := dial(t, addr)
	vr := bufio.NewReader(viewer)
	viewer.Write([]byte("status\n"))
	readReply(t, vr)
	viewer.Close()

	time.Sleep(50 * time.Millisecond)
	if bot.Status().Driver.Stopped {
		t.Fatal("expected the robot to remain running after a viewer-only disconnect")
	}
}

// A connection that holds the controller lease still stops the robot on
// disconnect, matching spec.md §6's auto-stop behavior.
func TestLeaseHolderDisconnectStopsRobot(t *testing.T) {
	bot := newTestBot()
	addr, stop := startServer(t, bot, nil)
	defer close(stop)

	controller := dial(t, addr)
	cr := bufio.NewReader(controller)
	controller.Write([]byte("control\n"))
	readReply(t, cr)
	controller.Write([]byte("go\n"))
	readReply(t, cr)
	controller.Close()

	time.Sleep(50 * time.Millisecond)
	if !bot.Status().Driver.Stopped {
		t.Fatal("expected the robot to stop once the lease-holding connection disconnects")
	}
}
