package gdbserver

import (
	"time"

	"github.com/adapteva/e-gdbserver/internal/logx"
	"github.com/adapteva/e-gdbserver/internal/matchpoint"
	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// continuePollPeriod is the fixed wake-up period of the continue
// engine's poll loop (spec.md §4.4, "~300 ms period").
const continuePollPeriod = 300 * time.Millisecond

// haltPollPeriod is the period the suspend handler polls DEBUG at
// while waiting out its 1-second halt timeout (spec.md §4.8).
const haltPollPeriod = 50 * time.Millisecond

// haltTimeout is how long the suspend handler waits for the target to
// report halted before giving up and reporting SIGHUP (spec.md §4.8,
// "poll DEBUG for up to 1 s; on timeout report SIGHUP").
const haltTimeout = time.Second

// handleContinue implements 'c'/'C' (spec.md §4.4). An optional
// resume address, if the client sent one, is accepted but has no
// effect here: the original server only ever resumes from the
// target's current PC.
func (s *Server) handleContinue(args []byte, withSignal bool) error {
	_ = withSignal
	if err := s.bus.WriteWord(regs.OffsetDebugCmd, regs.DebugCmdRun); err != nil {
		return s.replyErr('1')
	}
	s.isTargetRunning = true
	if err := s.continuePoll(); err != nil {
		if fe, ok := err.(*FatalError); ok {
			return fe
		}
		return s.replyErr('1')
	}
	return nil
}

// continuePoll runs the continue engine's poll loop (spec.md §4.4).
// DEBUGCMD=RUN must already have been written by the caller — this
// function is also the resume path after a File-I/O reply
// (spec.md §4.7, "Resume (§4.4)"), where the target was already left
// running by a previous redirectTrap call. It owns sending exactly one
// reply by the time it returns without error.
func (s *Server) continuePoll() error {
	for {
		brk, err := s.conn.PollForBreak()
		if err != nil {
			return err
		}
		if brk {
			return s.suspend()
		}

		debug, err := s.bus.ReadWord(regs.OffsetDebug)
		if err != nil {
			return err
		}
		if regs.GetField(debug, regs.DebugHaltBit, regs.DebugHaltBit) == 1 {
			break
		}
		time.Sleep(continuePollPeriod)
	}

	s.isTargetRunning = false
	return s.handleHalt()
}

// handleHalt classifies the reason the target just halted, per
// spec.md §4.4's "after halt" paragraph.
func (s *Server) handleHalt() error {
	pc, err := s.bus.ReadWord(regs.OffsetPC)
	if err != nil {
		return err
	}

	op, err := target.ReadHalf(s.bus, pc-regs.BkptInstrLen)
	if err != nil {
		return err
	}

	if op == regs.BkptInstr {
		if _, ok := s.mp.Lookup(matchpoint.Memory, pc-regs.BkptInstrLen); ok {
			rewound := pc - regs.BkptInstrLen
			if err := s.bus.WriteWord(regs.OffsetPC, rewound); err != nil {
				return err
			}
			s.log.Tracef(logx.StopResume, "continue: halted on breakpoint at 0x%x", rewound)
			return s.reply(stopReply(SIGTRAP))
		}
	}

	if regs.GetField(uint32(op), 9, 0) == uint32(regs.TrapInstr) {
		return s.redirectTrap(pc - regs.TrapInstrLen)
	}

	if trapAddr, found, err := s.scanBackwardForTrap(pc); err != nil {
		return err
	} else if found {
		return s.redirectTrap(trapAddr)
	}

	s.log.Tracef(logx.StopResume, "continue: spurious halt at 0x%x", pc)
	return s.reply(stopReply(SIGTRAP))
}

// scanBackwardForTrap walks backward from just before pc over NOPs
// looking for a TRAP instruction the compiler padded with NOPs (spec.md
// §4.4, "before giving up, optionally scan backwards"). It examines at
// most 10 halfwords, so the TRAP is found behind at most 9 NOPs, and
// stops at the first halfword that is neither a NOP nor a TRAP.
func (s *Server) scanBackwardForTrap(pc uint32) (addr uint32, found bool, err error) {
	addr = pc - regs.BkptInstrLen
	for i := 0; i < 10; i++ {
		op, err := target.ReadHalf(s.bus, addr)
		if err != nil {
			return 0, false, err
		}
		if regs.GetField(uint32(op), 9, 0) == uint32(regs.TrapInstr) {
			return addr, true, nil
		}
		if op != regs.NOPInstr {
			return 0, false, nil
		}
		addr -= 2
	}
	return 0, false, nil
}

// suspend implements §4.8: triggered by a break byte observed while
// the target runs. It attempts to halt, classifies the resulting
// state into a stop signal, and sends the stop reply itself.
func (s *Server) suspend() error {
	if err := s.bus.WriteWord(regs.OffsetDebugCmd, regs.DebugCmdHalt); err != nil {
		return err
	}

	deadline := time.Now().Add(haltTimeout)
	halted := false
	for time.Now().Before(deadline) {
		debug, err := s.bus.ReadWord(regs.OffsetDebug)
		if err != nil {
			return err
		}
		if regs.GetField(debug, regs.DebugHaltBit, regs.DebugHaltBit) == 1 {
			halted = true
			break
		}
		time.Sleep(haltPollPeriod)
	}

	s.isTargetRunning = false
	if !halted {
		return s.reply(stopReply(SIGHUP))
	}

	sig, err := s.exceptionSignal()
	if err != nil {
		return err
	}
	if sig == 0 {
		idle, err := s.isIdle()
		if err != nil {
			return err
		}
		if idle {
			pc, err := s.bus.ReadWord(regs.OffsetPC)
			if err != nil {
				return err
			}
			if err := s.bus.WriteWord(regs.OffsetPC, pc-regs.BkptInstrLen); err != nil {
				return err
			}
		}
		sig = SIGTRAP
	}
	return s.reply(stopReply(sig))
}

// exceptionSignal maps STATUS[18:16] to a stop signal (spec.md §4.8).
// A return of 0 means "no exception pending".
func (s *Server) exceptionSignal() (TargetSignal, error) {
	status, err := s.bus.ReadWord(regs.OffsetStatus)
	if err != nil {
		return 0, err
	}
	switch regs.GetField(status, 18, 16) {
	case 0:
		return 0, nil
	case regs.ExUnalignedLS:
		return SIGBUS, nil
	case regs.ExFPU:
		return SIGFPE, nil
	case regs.ExUnimpl:
		return SIGILL, nil
	default:
		return SIGABRT, nil
	}
}

// isIdle reports whether the instruction at PC is the IDLE opcode,
// used in place of the original's CORE_IDLE_BIT/CORE_IDLE_VAL status
// bitmask (not present in the retrieved sources; see DESIGN.md).
func (s *Server) isIdle() (bool, error) {
	pc, err := s.bus.ReadWord(regs.OffsetPC)
	if err != nil {
		return false, err
	}
	op, err := target.ReadHalf(s.bus, pc)
	if err != nil {
		return false, err
	}
	idleField := regs.IdleInstr & 0x1ff
	return regs.GetField(uint32(op), 8, 0) == uint32(idleField), nil
}
