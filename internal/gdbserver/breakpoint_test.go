package gdbserver

import (
	"fmt"
	"testing"

	"github.com/adapteva/e-gdbserver/internal/target"
)

func TestInsertThenRemoveMatchpointRestoresMemory(t *testing.T) {
	srv, sim, client := newTestServer(t)

	const addr = 0x100
	const original = 0x0410

	if err := target.WriteHalf(sim, addr, original); err != nil {
		t.Fatalf("seeding memory: %v", err)
	}

	payload := exchange(t, client, func() error {
		return srv.handleInsertMatchpoint([]byte(fmt.Sprintf("0,%x,2", addr)))
	})
	if string(payload) != "OK" {
		t.Fatalf("insert reply = %q, want OK", payload)
	}

	planted, err := target.ReadHalf(sim, addr)
	if err != nil {
		t.Fatalf("ReadHalf: %v", err)
	}
	if planted != uint16(0x01c2) {
		t.Fatalf("planted opcode = 0x%x, want BKPT", planted)
	}

	payload = exchange(t, client, func() error {
		return srv.handleRemoveMatchpoint([]byte(fmt.Sprintf("0,%x,2", addr)))
	})
	if string(payload) != "OK" {
		t.Fatalf("remove reply = %q, want OK", payload)
	}

	restored, err := target.ReadHalf(sim, addr)
	if err != nil {
		t.Fatalf("ReadHalf: %v", err)
	}
	if restored != original {
		t.Fatalf("restored opcode = 0x%x, want 0x%x", restored, original)
	}
}

func TestRemoveMatchpointOnAbsentEntryIsIdempotent(t *testing.T) {
	srv, _, client := newTestServer(t)

	payload := exchange(t, client, func() error {
		return srv.handleRemoveMatchpoint([]byte(fmt.Sprintf("0,%x,2", 0x500)))
	})
	if string(payload) != "OK" {
		t.Fatalf("remove-absent reply = %q, want OK", payload)
	}
}

func TestInsertMatchpointUnsupportedKindRepliesEmpty(t *testing.T) {
	srv, _, client := newTestServer(t)

	payload := exchange(t, client, func() error {
		return srv.handleInsertMatchpoint([]byte(fmt.Sprintf("2,%x,4", 0x500)))
	})
	if len(payload) != 0 {
		t.Fatalf("unsupported-kind reply = %q, want empty", payload)
	}
}
