package gdbserver

import (
	"fmt"

	"github.com/adapteva/e-gdbserver/internal/regs"
)

// dispatch routes one decoded packet payload to its handler, keyed on
// the first byte exactly as spec.md §4.2's command table does. It
// returns detach=true when the connection should close after the
// reply (D, k).
func (s *Server) dispatch(pkt []byte) (detach bool, err error) {
	if len(pkt) == 0 {
		return false, s.replyEmpty()
	}

	switch pkt[0] {
	case '?':
		return false, s.reply(stopReply(SIGTRAP))

	case 'g':
		return false, s.handleReadAllRegs()
	case 'G':
		return false, s.handleWriteAllRegs(pkt[1:])

	case 'p':
		return false, s.handleReadOneReg(pkt[1:])
	case 'P':
		return false, s.handleWriteOneReg(pkt[1:])

	case 'm':
		return false, s.handleReadMem(pkt[1:])
	case 'M':
		return false, s.handleWriteMem(pkt[1:])
	case 'X':
		return false, s.handleWriteMemBinary(pkt[1:])

	case 'c':
		return false, s.handleContinue(pkt[1:], false)
	case 'C':
		return false, s.handleContinue(pkt[1:], true)

	case 's':
		return false, s.handleStep(pkt[1:], false)
	case 'S':
		return false, s.handleStep(pkt[1:], true)

	case 'H':
		return false, s.handleSetThread(pkt[1:])

	case 'Z':
		return false, s.handleInsertMatchpoint(pkt[1:])
	case 'z':
		return false, s.handleRemoveMatchpoint(pkt[1:])

	case 'q':
		return false, s.handleQuery(pkt[1:])
	case 'Q':
		return false, s.handleSet(pkt[1:])

	case 'v':
		return false, s.handleVPacket(pkt[1:])

	case 'F':
		return false, s.handleFileIOReply(pkt[1:])

	case 'R', 'r':
		return false, s.handleRestart()

	case 'D':
		if err := s.replyOK(); err != nil {
			return false, err
		}
		return true, nil

	case 'k':
		s.isTargetRunning = false
		return true, nil

	case 'T':
		return false, s.replyOK()

	case '!', 'A', 'B', 'b', 'd', 'i', 'I', 't':
		if s.log != nil {
			s.log.Warnf("gdbserver: unsupported command %q", pkt)
		}
		return false, s.replyEmpty()

	default:
		if s.log != nil {
			s.log.Warnf("gdbserver: unrecognized command %q, ignoring", pkt)
		}
		return false, nil
	}
}

// handleRestart implements 'R'/'r': write 0 to PC (spec.md §4.2).
func (s *Server) handleRestart() error {
	if err := s.bus.WriteWord(regs.OffsetPC, 0); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// handleSetThread implements 'H c|g id' (spec.md §4.2): delegates
// thread selection straight to the target access layer.
func (s *Server) handleSetThread(args []byte) error {
	if len(args) < 2 {
		return s.replyErr('1')
	}
	kind := args[0]
	id, err := parseThreadID(args[1:])
	if err != nil {
		return s.replyErr('1')
	}
	switch kind {
	case 'g':
		err = s.bus.SetThreadGeneral(id)
	case 'c':
		err = s.bus.SetThreadExecute(id)
	default:
		return s.replyErr('1')
	}
	if err != nil {
		return s.replyErr('1')
	}
	if kind == 'g' {
		s.generalThread = id
	} else {
		s.executeThread = id
	}
	return s.replyOK()
}

// parseThreadID accepts both a literal "-1"/"0" (meaning "any"/"the
// default") and a positive hex thread id, as gdb clients encode it.
func parseThreadID(s []byte) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("gdbserver: empty thread id")
	}
	if s[0] == '-' {
		return -1, nil
	}
	var n int
	for _, c := range s {
		d, ok := hexVal(c)
		if !ok {
			return 0, fmt.Errorf("gdbserver: invalid thread id %q", s)
		}
		n = n*16 + int(d)
	}
	return n, nil
}
