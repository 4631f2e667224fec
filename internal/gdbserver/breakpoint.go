package gdbserver

import (
	"github.com/adapteva/e-gdbserver/internal/matchpoint"
	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// handleInsertMatchpoint implements 'Z<kind>,addr,len' (spec.md §4.5).
// Only kind 0 (MEMORY_BP) is implemented; every other kind replies
// empty, matching the Non-goal "no hardware watchpoints".
func (s *Server) handleInsertMatchpoint(args []byte) error {
	kind, addr, _, err := parseMatchpoint(args)
	if err != nil {
		return s.replyErr('1')
	}
	if kind != matchpoint.Memory {
		return s.replyEmpty()
	}

	saved, err := target.ReadHalf(s.bus, addr)
	if err != nil {
		return s.replyErr('1')
	}
	s.mp.Add(matchpoint.Memory, addr, saved)
	if err := target.WriteHalf(s.bus, addr, regs.BkptInstr); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// handleRemoveMatchpoint implements 'z<kind>,addr,len'. Removing an
// absent breakpoint still replies OK (spec.md §4.5, "idempotence").
func (s *Server) handleRemoveMatchpoint(args []byte) error {
	kind, addr, _, err := parseMatchpoint(args)
	if err != nil {
		return s.replyErr('1')
	}
	if kind != matchpoint.Memory {
		return s.replyEmpty()
	}

	saved, ok := s.mp.Remove(matchpoint.Memory, addr)
	if !ok {
		return s.replyOK()
	}
	if err := target.WriteHalf(s.bus, addr, saved); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// parseMatchpoint splits "kind,addr,len".
func parseMatchpoint(args []byte) (kind matchpoint.Kind, addr uint32, length uint32, err error) {
	fields := splitFields(args, ',')
	if len(fields) != 3 {
		return 0, 0, 0, errMalformed
	}
	k, err := parseHexUint32(fields[0])
	if err != nil {
		return 0, 0, 0, err
	}
	addr, err = parseHexUint32(fields[1])
	if err != nil {
		return 0, 0, 0, err
	}
	length, err = parseHexUint32(fields[2])
	if err != nil {
		return 0, 0, 0, err
	}
	return matchpointKind(k), addr, length, nil
}

func matchpointKind(k uint32) matchpoint.Kind {
	switch k {
	case 0:
		return matchpoint.Memory
	case 1:
		return matchpoint.Hardware
	case 2:
		return matchpoint.WatchWrite
	case 3:
		return matchpoint.WatchRead
	case 4:
		return matchpoint.WatchAccess
	default:
		return matchpoint.Kind(-1)
	}
}
