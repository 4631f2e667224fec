package gdbserver

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/adapteva/e-gdbserver/internal/rsp"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// newTestServer wires a Server to a fresh 2x2-core Sim and a real
// TCP loopback connection, so handlers that call s.reply can be
// exercised exactly as they run in production.
func newTestServer(t *testing.T) (*Server, *target.Sim, net.Conn) {
	t.Helper()

	sim := target.NewSim(2, 2)
	srv := New(sim, Config{})

	ln, err := rsp.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *rsp.Connection, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-accepted:
		srv.conn = conn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}

	return srv, sim, client
}

// exchange runs call in a goroutine, reads the single reply packet it
// writes, acks it, and returns the decoded payload.
func exchange(t *testing.T, client net.Conn, call func() error) []byte {
	t.Helper()

	errCh := make(chan error, 1)
	go func() { errCh <- call() }()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8192)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	hashIdx := bytes.IndexByte(buf[:n], '#')
	if hashIdx < 0 {
		t.Fatalf("reply %q missing '#' trailer", buf[:n])
	}
	payload, err := rsp.DecodePayload(buf[1:hashIdx])
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if _, err := client.Write([]byte{'+'}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("handler: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after ack")
	}
	return payload
}
