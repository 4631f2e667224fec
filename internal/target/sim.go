package target

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/adapteva/e-gdbserver/internal/regs"
)

// simMemSize is large enough to hold a core's register window
// (regs.RegFileBase and the status/DMA registers that follow it) plus
// a generous program/data area below it.
const simMemSize = 0x100000

type simCore struct {
	id  CoreID
	mem [simMemSize]byte
}

func newSimCore(id CoreID) *simCore {
	c := &simCore{id: id}
	binary.LittleEndian.PutUint32(c.mem[regs.OffsetDebug:], 1<<regs.DebugHaltBit)
	return c
}

func (c *simCore) readWord(addr uint32) (uint32, error) {
	if int(addr)+4 > len(c.mem) {
		return 0, fmt.Errorf("target: read out of range: 0x%x", addr)
	}
	return binary.LittleEndian.Uint32(c.mem[addr:]), nil
}

func (c *simCore) writeWord(addr uint32, v uint32) error {
	if int(addr)+4 > len(c.mem) {
		return fmt.Errorf("target: write out of range: 0x%x", addr)
	}
	binary.LittleEndian.PutUint32(c.mem[addr:], v)
	return nil
}

// Sim is an in-memory implementation of Bus, used by tests and by the
// server's "-sim" mode, since the real bus driver is out of scope
// (spec.md §1, "OUT OF SCOPE: the hardware access layer").
//
// Sim models the memory and register-file surface the server reads and
// writes. Writing DEBUGCMD := RUN runs the selected core through
// Resume until it halts; Step interprets just enough of the
// instruction set (short branches, RTI, short register-indirect jumps,
// BKPT, TRAP, IDLE) to make the dispatcher's step/continue/trap logic
// exercise real control flow. Writing DEBUGCMD := HALT changes nothing.
type Sim struct {
	mu      sync.Mutex
	rows    int
	cols    int
	cores   map[CoreID]*simCore
	ordered []CoreID
	current *simCore
}

// NewSim builds a rows x cols mesh of cores, all initially halted.
func NewSim(rows, cols int) *Sim {
	s := &Sim{rows: rows, cols: cols, cores: make(map[CoreID]*simCore)}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			id := CoreID(r<<6 | c)
			s.cores[id] = newSimCore(id)
			s.ordered = append(s.ordered, id)
		}
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i] < s.ordered[j] })
	if len(s.ordered) > 0 {
		s.current = s.cores[s.ordered[0]]
	}
	return s
}

func (s *Sim) ReadWord(addr uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.readWord(addr)
}

func (s *Sim) WriteWord(addr uint32, v uint32) error {
	s.mu.Lock()
	err := s.current.writeWord(addr, v)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if addr == regs.OffsetDebugCmd && v == regs.DebugCmdRun {
		// Real silicon executes asynchronously the instant DEBUGCMD is
		// set to RUN; Sim has no instruction pipeline of its own, so it
		// fast-forwards straight to the next halt here, keeping the
		// DEBUG register's observable state consistent with what a
		// caller's subsequent poll would eventually see.
		return s.Resume(10000)
	}
	return nil
}

func (s *Sim) BurstRead(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(data) > len(s.current.mem) {
		return fmt.Errorf("target: burst read out of range: 0x%x len %d", addr, len(data))
	}
	copy(data, s.current.mem[addr:])
	return nil
}

func (s *Sim) BurstWrite(addr uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(addr)+len(data) > len(s.current.mem) {
		return fmt.Errorf("target: burst write out of range: 0x%x len %d", addr, len(data))
	}
	copy(s.current.mem[addr:], data)
	return nil
}

func (s *Sim) ListCores() []CoreID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CoreID, len(s.ordered))
	copy(out, s.ordered)
	return out
}

func (s *Sim) NumRows() int { return s.rows }
func (s *Sim) NumCols() int { return s.cols }

func (s *Sim) selectByThread(id int) (*simCore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ordered) == 0 {
		return nil, fmt.Errorf("target: no cores present")
	}
	if id <= 0 {
		return s.cores[s.ordered[0]], nil
	}
	idx := id - 1
	if idx < 0 || idx >= len(s.ordered) {
		return nil, fmt.Errorf("target: no such thread %d", id)
	}
	return s.cores[s.ordered[idx]], nil
}

func (s *Sim) SetThreadGeneral(id int) error {
	c, err := s.selectByThread(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
	return nil
}

func (s *Sim) SetThreadExecute(id int) error {
	return s.SetThreadGeneral(id)
}

func (s *Sim) PlatformReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.cores {
		s.cores[id] = newSimCore(id)
	}
	return nil
}

// CurrentCoreID reports which core is presently selected, for test
// assertions.
func (s *Sim) CurrentCoreID() CoreID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.id
}

// Step interprets one instruction at the current PC well enough to
// drive control flow (branches, RTI, register-indirect jumps), or
// halts immediately on BKPT/TRAP, leaving PC exactly where the real
// silicon would. It is a test fixture, not a model of the full ISA.
func (s *Sim) Step() (halted bool, err error) {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	pcWord, err := c.readWord(regs.OffsetPC)
	if err != nil {
		return false, err
	}
	pc := pcWord

	opWord, err := c.readWord(pc &^ 3)
	if err != nil {
		return false, err
	}
	var op uint16
	if pc&3 == 0 {
		op = uint16(opWord)
	} else {
		op = uint16(opWord >> 16)
	}

	switch {
	case op == regs.BkptInstr:
		c.writeWord(regs.OffsetPC, pc+2)
		c.writeWord(regs.OffsetDebug, 1<<regs.DebugHaltBit)
		return true, nil
	case regs.GetField(uint32(op), 9, 0) == uint32(regs.TrapInstr):
		c.writeWord(regs.OffsetPC, pc+2)
		c.writeWord(regs.OffsetDebug, 1<<regs.DebugHaltBit)
		return true, nil
	case regs.GetField(uint32(op), 8, 0) == uint32(regs.IdleInstr)&0x1ff:
		// Idle: stay put unless an interrupt is pending (not modeled),
		// so a lone idle core simply halts where it is.
		c.writeWord(regs.OffsetDebug, 1<<regs.DebugHaltBit)
		return true, nil
	case regs.GetField(uint32(op), 8, 0) == uint32(regs.RTIOpcode):
		iret, _ := c.readWord(regs.OffsetIRET)
		c.writeWord(regs.OffsetPC, iret)
		return false, nil
	case regs.GetField(uint32(op), 8, 0) == uint32(regs.JumpRegShort1) || regs.GetField(uint32(op), 8, 0) == uint32(regs.JumpRegShort2):
		n := regs.GetField(uint32(op), 12, 10)
		v, _ := c.readWord(regs.GPROffset(int(n)))
		c.writeWord(regs.OffsetPC, v)
		return false, nil
	case regs.GetField(uint32(op), 2, 0) == 0:
		// Short 16-bit branch: sign-extended 8-bit displacement<<1.
		imm := regs.GetField(uint32(op), 15, 8)
		disp := int32(int8(imm)) << 1
		c.writeWord(regs.OffsetPC, uint32(int64(pc)+int64(disp)))
		return false, nil
	default:
		c.writeWord(regs.OffsetPC, pc+2)
		return false, nil
	}
}

// Resume runs Step in a loop until the core halts, or fails after
// maxSteps steps. WriteWord calls it for every DEBUGCMD := RUN write, so
// "c"/"s" handling halts synchronously against a Sim.
func (s *Sim) Resume(maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		halted, err := s.Step()
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	}
	return fmt.Errorf("target: sim did not halt within %d steps", maxSteps)
}
