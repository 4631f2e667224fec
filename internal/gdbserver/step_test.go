package gdbserver

import (
	"testing"

	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// TestStepAcrossShortBranch reproduces spec.md §8 scenario 2: a single
// step starting on a 16-bit branch whose next_seq (0x202) and next_flow
// (0x208) diverge. The step engine should land on next_flow and report
// SIGTRAP.
func TestStepAcrossShortBranch(t *testing.T) {
	srv, sim, client := newTestServer(t)

	const pc = 0x200
	const branchOp = 0x0410 // low3==0, disp byte 0x04 -> +8

	if err := sim.WriteWord(regs.OffsetPC, pc); err != nil {
		t.Fatalf("seed PC: %v", err)
	}
	if err := target.WriteHalf(sim, pc, branchOp); err != nil {
		t.Fatalf("seed opcode: %v", err)
	}

	payload := exchange(t, client, func() error {
		return srv.handleStep(nil, false)
	})
	if string(payload) != "S05" {
		t.Fatalf("reply = %q, want S05", payload)
	}

	gotPC, err := sim.ReadWord(regs.OffsetPC)
	if err != nil {
		t.Fatalf("ReadWord PC: %v", err)
	}
	if gotPC != 0x208 {
		t.Fatalf("PC after step = 0x%x, want 0x208", gotPC)
	}
}

// TestStepOntoTrapAdvancesPCBeforeRedirect covers spec.md §4.3 step 1:
// stepping onto a TRAP instruction must not leave PC sitting on the
// trap, or the eventual File-I/O resume would re-fetch and re-execute
// the same TRAP a second time (unlike continue, the target never
// actually ran here, so nothing else advances PC past it).
func TestStepOntoTrapAdvancesPCBeforeRedirect(t *testing.T) {
	srv, sim, client := newTestServer(t)

	const addr = 0x600
	seedTrap(t, sim, addr, trapWrite, 1, 0x2000, 4, 0)
	if err := sim.WriteWord(regs.OffsetPC, addr); err != nil {
		t.Fatalf("seed PC: %v", err)
	}

	payload := exchange(t, client, func() error {
		return srv.handleStep(nil, false)
	})
	if string(payload) != "Fwrite,1,2000,4" {
		t.Fatalf("reply = %q, want Fwrite,1,2000,4", payload)
	}

	gotPC, err := sim.ReadWord(regs.OffsetPC)
	if err != nil {
		t.Fatalf("ReadWord PC: %v", err)
	}
	if want := uint32(addr + regs.TrapInstrLen); gotPC != want {
		t.Fatalf("PC after step-onto-trap = 0x%x, want 0x%x", gotPC, want)
	}
}

// TestStepIdleNotPendingStaysPut covers the IDLE special case when no
// interrupt is pending: the engine reports TRAP without ever resuming
// the core, but still rewinds PC by BkptInstrLen before reporting, the
// same way the original's idle branch does unconditionally (spec.md
// §4.3, "Special case — IDLE instruction at PC").
func TestStepIdleNotPendingStaysPut(t *testing.T) {
	srv, sim, client := newTestServer(t)

	const pc = 0x300
	if err := sim.WriteWord(regs.OffsetPC, pc); err != nil {
		t.Fatalf("seed PC: %v", err)
	}
	if err := target.WriteHalf(sim, pc, regs.IdleInstr); err != nil {
		t.Fatalf("seed opcode: %v", err)
	}
	// Leave IMASK/ILAT at their zero default: nothing pending.

	payload := exchange(t, client, func() error {
		return srv.handleStep(nil, false)
	})
	if string(payload) != "S05" {
		t.Fatalf("reply = %q, want S05", payload)
	}

	gotPC, err := sim.ReadWord(regs.OffsetPC)
	if err != nil {
		t.Fatalf("ReadWord PC: %v", err)
	}
	if want := uint32(pc - regs.BkptInstrLen); gotPC != want {
		t.Fatalf("PC after idle step = 0x%x, want 0x%x", gotPC, want)
	}
}

// TestStepIdlePendingRunsIVTTrick covers the IDLE special case when an
// interrupt is enabled and pending: the engine plants the IVT-wide
// transient breakpoints before resuming, and rewinds PC by
// BkptInstrLen on the way back out regardless of where the halt
// actually landed (Sim's IDLE model halts in place rather than
// modeling an interrupt vector jump, so the rewind lands two bytes
// before pc here rather than inside the vector table).
func TestStepIdlePendingRunsIVTTrick(t *testing.T) {
	srv, sim, client := newTestServer(t)

	const pc = 0x300

	if err := sim.WriteWord(regs.OffsetPC, pc); err != nil {
		t.Fatalf("seed PC: %v", err)
	}
	if err := target.WriteHalf(sim, pc, regs.IdleInstr); err != nil {
		t.Fatalf("seed opcode: %v", err)
	}
	// STATUS bit1 clear: interrupts globally enabled.
	if err := sim.WriteWord(regs.OffsetStatus, 0); err != nil {
		t.Fatalf("seed STATUS: %v", err)
	}
	// ILAT bit 2 set, IMASK leaves it unmasked: an interrupt is pending.
	if err := sim.WriteWord(regs.OffsetILat, 1<<2); err != nil {
		t.Fatalf("seed ILAT: %v", err)
	}
	if err := sim.WriteWord(regs.OffsetIMask, 0); err != nil {
		t.Fatalf("seed IMASK: %v", err)
	}

	payload := exchange(t, client, func() error {
		return srv.handleStep(nil, false)
	})
	if string(payload) != "S05" {
		t.Fatalf("reply = %q, want S05", payload)
	}

	gotPC, err := sim.ReadWord(regs.OffsetPC)
	if err != nil {
		t.Fatalf("ReadWord PC: %v", err)
	}
	if want := uint32(pc - regs.BkptInstrLen); gotPC != want {
		t.Fatalf("PC after idle+IVT step = 0x%x, want 0x%x", gotPC, want)
	}
}
