package gdbserver

import "testing"

func TestDispatchQuestionMarkRepliesStopReply(t *testing.T) {
	srv, _, client := newTestServer(t)

	payload := exchange(t, client, func() error {
		_, err := srv.dispatch([]byte("?"))
		return err
	})
	if string(payload) != "S05" {
		t.Fatalf("reply = %q, want S05", payload)
	}
}

func TestDispatchSetThreadGeneral(t *testing.T) {
	srv, _, client := newTestServer(t)

	payload := exchange(t, client, func() error {
		_, err := srv.dispatch([]byte("Hg1"))
		return err
	})
	if string(payload) != "OK" {
		t.Fatalf("reply = %q, want OK", payload)
	}
	if srv.generalThread != 1 {
		t.Fatalf("generalThread = %d, want 1", srv.generalThread)
	}
}

func TestDispatchDetachSignalsCallerToClose(t *testing.T) {
	srv, _, client := newTestServer(t)

	detachCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		detach, err := srv.dispatch([]byte("D"))
		detachCh <- detach
		errCh <- err
	}()

	_ = readPacketPayload(t, client)

	if err := <-errCh; err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !<-detachCh {
		t.Fatal("detach = false for 'D', want true")
	}
}

func TestDispatchUnsupportedCommandRepliesEmpty(t *testing.T) {
	srv, _, client := newTestServer(t)

	payload := exchange(t, client, func() error {
		_, err := srv.dispatch([]byte("A0,0"))
		return err
	})
	if len(payload) != 0 {
		t.Fatalf("reply = %q, want empty", payload)
	}
}
