// Package gdbserver is the RSP dispatch engine: the command loop that
// turns decoded packets into target-control operations, plus the step
// engine, continue engine, trap redirector and suspend handler that
// back it (spec.md §2 components 6-8).
//
// The overall shape — a single-threaded loop owning one connection at
// a time, handlers that read/write the target directly with no
// internal locking — is grounded on GdbServer.cpp's rspClientRequest
// dispatch loop in original_source/src/e-server.
package gdbserver

import (
	"fmt"
	"io"

	"github.com/adapteva/e-gdbserver/internal/logx"
	"github.com/adapteva/e-gdbserver/internal/matchpoint"
	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/rsp"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// FatalError marks an internal assertion failure (spec.md §7.5): target
// state has desynchronized from what the server believes and cannot be
// safely recovered, mirroring the original's exit(8) calls.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gdbserver: fatal: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gdbserver: fatal: %s", e.Op)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(op string, err error) *FatalError {
	return &FatalError{Op: op, Err: err}
}

// Config carries the ambient knobs spec.md places out of scope for the
// core (CLI parsing, verbosity) but that a runnable binary still needs
// to hand the dispatcher explicitly.
type Config struct {
	// ListenAddr is the TCP address to accept the single client on,
	// e.g. ":51000".
	ListenAddr string

	// Log is the diagnostic sink; nil disables all logging.
	Log *logx.Logger

	// TTYOut, if non-nil, redirects Trap 7 "other" semihosted printf
	// records to this writer instead of forwarding them as File-I/O
	// (spec.md §4.7, "non-null tty-out redirection").
	TTYOut io.Writer
}

// Server owns the target view (spec.md §3, "Target view") for the
// single active connection: whether the target is presently running,
// the saved IVT used by the step engine's transient-breakpoint trick,
// and the current thread selections.
type Server struct {
	bus target.Bus
	mp  *matchpoint.Table
	cfg Config
	log *logx.Logger

	conn *rsp.Connection

	isTargetRunning bool

	ivtSaved [regs.IVTBytes]byte

	generalThread int
	executeThread int
}

// New builds a Server bound to bus, with a fresh matchpoint table that
// will persist across reconnects for as long as this Server lives
// (spec.md §3, "Lifecycle").
func New(bus target.Bus, cfg Config) *Server {
	return &Server{
		bus: bus,
		mp:  matchpoint.New(),
		cfg: cfg,
		log: cfg.Log,
	}
}

// Run listens on cfg.ListenAddr and serves successive clients, one at
// a time: the next client is accepted only after the current
// connection ends (detach, kill, EOF or a connection error). Run
// returns only on a listener-level error or a fatal assertion.
func (s *Server) Run() error {
	ln, err := rsp.Listen(s.cfg.ListenAddr, s.log)
	if err != nil {
		return fmt.Errorf("gdbserver: listen: %w", err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("gdbserver: accept: %w", err)
		}
		if err := s.serve(conn); err != nil {
			if fe, ok := err.(*FatalError); ok {
				return fe
			}
			if s.log != nil {
				s.log.Warnf("gdbserver: connection error: %v", err)
			}
		}
	}
}

// serve runs the command loop for one accepted connection until the
// client detaches, the socket closes, or a fatal error occurs.
func (s *Server) serve(conn *rsp.Connection) error {
	s.conn = conn
	s.isTargetRunning = false
	defer conn.Close()

	for {
		payload, err := conn.ReadPacket()
		if err != nil {
			if err == rsp.ErrBreak {
				// A break byte with nothing running is a no-op.
				continue
			}
			if err == io.EOF {
				return nil
			}
			return err
		}

		detach, err := s.dispatch(payload)
		if err != nil {
			if fe, ok := err.(*FatalError); ok {
				return fe
			}
			if s.log != nil {
				s.log.Warnf("gdbserver: handler error: %v", err)
			}
			continue
		}
		if detach {
			return nil
		}
	}
}

// reply encodes and writes payload as the single reply to the packet
// just dispatched.
func (s *Server) reply(payload []byte) error {
	return s.conn.WritePacket(payload)
}

// replyEmpty answers with "$#00", GDB's "feature not supported"
// convention (spec.md §4.1).
func (s *Server) replyEmpty() error {
	return s.conn.WritePacket(nil)
}

// replyOK answers with a literal "OK".
func (s *Server) replyOK() error {
	return s.conn.WritePacket([]byte("OK"))
}

// replyErr answers with the standard single-digit RSP error code
// spec.md §7.2/§7.3 calls for on protocol and bus errors.
func (s *Server) replyErr(code byte) error {
	return s.conn.WritePacket([]byte{'E', '0', code})
}
