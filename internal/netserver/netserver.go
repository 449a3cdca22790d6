// Package netserver implements the client-facing TCP protocol: one
// newline-terminated ASCII command per request, answered with a
// length-prefixed CBOR-encoded (tag, payload) reply. Grounded on
// original_source/server/server.py's DriverHandler, translated from
// Python pickle framing to a self-describing binary codec.
package netserver

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/Moomers/penguins/internal/driver"
	"github.com/Moomers/penguins/internal/robot"
)

// Reply tags, matching the three outcomes original_source/server/server.py
// distinguished when wrapping process_command.
const (
	TagOK      = "ok"
	TagInvalid = "invalid"
	TagError   = "error"
)

// envelope is the self-describing (tag, payload) reply, CBOR-encoded.
type envelope struct {
	Tag     string      `cbor:"tag"`
	Payload interface{} `cbor:"payload"`
}

// Server accepts client connections and dispatches commands to a Robot.
type Server struct {
	addr       string
	bot        *robot.Robot
	onShutdown func()
}

// New constructs a Server listening on addr and dispatching to bot.
// onShutdown is invoked once when a client sends the "shutdown" command;
// it is how the process-level shutdown sequence (spec.md §9's reverse
// creation-order teardown) gets triggered from the network layer. May be
// nil if the caller has no process-level shutdown hook to run.
func New(addr string, bot *robot.Robot, onShutdown func()) *Server {
	return &Server{addr: addr, bot: bot, onShutdown: onShutdown}
}

// ListenAndServe accepts connections until the listener is closed or
// stop is closed.
func (s *Server) ListenAndServe(stop <-chan struct{}) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	log.Printf("[netserver] listening on %s", s.addr)

	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				return err
			}
		}
		go s.handle(conn)
	}
}

// handle services one client connection: read a line, dispatch, reply,
// repeat until "exit"/"shutdown" or disconnect. On disconnect, a
// connection that held the controller lease releases it and stops the
// robot (matching the original's "finally: driver.stop()"); a viewer-only
// connection that never held the lease leaves an actively-driven robot
// running.
func (s *Server) handle(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Printf("[netserver] client connected: %s", remote)

	var token string
	defer func() {
		conn.Close()
		if token != "" {
			s.bot.ReleaseController(token)
			if err := s.bot.Stop(); err != nil {
				log.Printf("[netserver] stop on disconnect for %s: %v", remote, err)
			}
		}
		log.Printf("[netserver] client disconnected: %s", remote)
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		s.bot.NoteClientRequest()

		if line == "" {
			s.reply(conn, TagOK, nil)
			continue
		}
		if line == "exit" {
			return
		}

		payload, err := s.dispatch(line, &token)
		switch {
		case err == nil:
			s.reply(conn, TagOK, payload)
		case errors.Is(err, errInvalidCommand), errors.Is(err, driver.ErrParameter),
			errors.Is(err, driver.ErrStopped), errors.Is(err, robot.ErrUnauthorized):
			s.reply(conn, TagInvalid, err.Error())
		default:
			s.reply(conn, TagError, err.Error())
		}

		if strings.ToLower(strings.Fields(line)[0]) == "shutdown" {
			return
		}
	}
}

var errInvalidCommand = errors.New("invalid command")

// dispatch parses and executes one command line, matching
// original_source/server/server.py's process_command dispatch table:
// stop, brake N, status, reset, control, speed N, left N, right N, go.
func (s *Server) dispatch(line string, token *string) (interface{}, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", errInvalidCommand)
	}

	switch strings.ToLower(fields[0]) {
	case "shutdown":
		if s.onShutdown != nil {
			s.onShutdown()
		}
		return nil, nil
	case "control":
		*token = s.bot.BecomeController()
		return *token, nil
	case "go":
		return nil, s.bot.Go(*token)
	case "stop":
		return nil, s.bot.Stop()
	case "reset":
		return nil, s.bot.Reset()
	case "status":
		return s.bot.Status(), nil
	case "brake":
		speed, err := parseSpeedArg(fields, errInvalidCommand)
		if err != nil {
			return nil, err
		}
		return nil, s.bot.Brake(*token, speed)
	case "speed":
		speed, err := parseSpeedArg(fields, errInvalidCommand)
		if err != nil {
			return nil, err
		}
		return nil, s.bot.SetSpeed(*token, speed, driver.Both)
	case "left":
		speed, err := parseSpeedArg(fields, errInvalidCommand)
		if err != nil {
			return nil, err
		}
		return nil, s.bot.SetSpeed(*token, speed, driver.Left)
	case "right":
		speed, err := parseSpeedArg(fields, errInvalidCommand)
		if err != nil {
			return nil, err
		}
		return nil, s.bot.SetSpeed(*token, speed, driver.Right)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", errInvalidCommand, fields[0])
	}
}

func parseSpeedArg(fields []string, invalid error) (float64, error) {
	if len(fields) != 2 {
		return 0, fmt.Errorf("%w: expected exactly one argument", invalid)
	}
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", invalid, err)
	}
	return v, nil
}

// reply writes the decimal ASCII byte length of the CBOR-encoded envelope
// on its own line, followed by that many bytes of the envelope itself
// (spec.md §6), mirroring the original's send_output
// length-prefix-then-pickle framing with a self-describing binary codec
// and a textual length line in place of pickle and a binary prefix.
func (s *Server) reply(conn net.Conn, tag string, payload interface{}) {
	body, err := cbor.Marshal(envelope{Tag: tag, Payload: payload})
	if err != nil {
		log.Printf("[netserver] encode error: %v", err)
		return
	}
	if _, err := fmt.Fprintf(conn, "%d\n", len(body)); err != nil {
		return
	}
	conn.Write(body)
}
