package matchpoint

import "testing"

func TestAddLookupRemove(t *testing.T) {
	tbl := New()

	if _, ok := tbl.Lookup(Memory, 0x100); ok {
		t.Fatalf("expected no entry before Add")
	}

	tbl.Add(Memory, 0x100, 0x1234)

	opcode, ok := tbl.Lookup(Memory, 0x100)
	if !ok || opcode != 0x1234 {
		t.Fatalf("Lookup = (%x, %v), want (0x1234, true)", opcode, ok)
	}

	opcode, ok = tbl.Remove(Memory, 0x100)
	if !ok || opcode != 0x1234 {
		t.Fatalf("Remove = (%x, %v), want (0x1234, true)", opcode, ok)
	}

	if tbl.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after Remove", tbl.Len())
	}
}

func TestKindsAreIndependent(t *testing.T) {
	tbl := New()
	tbl.Add(Memory, 0x200, 0x1)
	tbl.Add(Transient, 0x200, 0x2)

	if v, _ := tbl.Lookup(Memory, 0x200); v != 0x1 {
		t.Fatalf("Memory entry clobbered by Transient: got %x", v)
	}
	if v, _ := tbl.Lookup(Transient, 0x200); v != 0x2 {
		t.Fatalf("Transient entry clobbered by Memory: got %x", v)
	}

	if len(tbl.Addresses(Memory)) != 1 {
		t.Fatalf("expected exactly one Memory address")
	}
}

func TestRemoveAbsentIsIdempotent(t *testing.T) {
	tbl := New()
	if _, ok := tbl.Remove(Memory, 0x999); ok {
		t.Fatalf("Remove of absent entry should report ok=false")
	}
}
