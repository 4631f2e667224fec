package rsp

import (
	"net"
	"testing"
	"time"
)

func dialPair(t *testing.T) (server *Connection, client net.Conn) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Connection, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accept")
	}
	return server, client
}

func TestReadPacketDecodesAndAcks(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	if _, err := client.Write(Encode([]byte("g"))); err != nil {
		t.Fatalf("client write: %v", err)
	}

	payload, err := server.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if string(payload) != "g" {
		t.Fatalf("payload = %q, want %q", payload, "g")
	}

	var ack [1]byte
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(ack[:]); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack[0] != ackOK {
		t.Fatalf("ack = %q, want '+'", ack[0])
	}
}

func TestReadPacketSurfacesBreakByte(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	if _, err := client.Write([]byte{breakByte}); err != nil {
		t.Fatalf("client write: %v", err)
	}

	if _, err := server.ReadPacket(); err != ErrBreak {
		t.Fatalf("ReadPacket error = %v, want ErrBreak", err)
	}
}

func TestWritePacketWaitsForAck(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() { done <- server.WritePacket([]byte("S05")) }()

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != string(Encode([]byte("S05"))) {
		t.Fatalf("wire bytes = %q, want %q", buf[:n], Encode([]byte("S05")))
	}

	if _, err := client.Write([]byte{ackOK}); err != nil {
		t.Fatalf("client ack write: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WritePacket did not return after ack")
	}
}

func TestPollForBreakWithoutData(t *testing.T) {
	server, _ := dialPair(t)
	defer server.Close()

	brk, err := server.PollForBreak()
	if err != nil {
		t.Fatalf("PollForBreak: %v", err)
	}
	if brk {
		t.Fatalf("PollForBreak = true, want false with no pending data")
	}
}

func TestPollForBreakConsumesBreakByte(t *testing.T) {
	server, client := dialPair(t)
	defer server.Close()

	if _, err := client.Write([]byte{breakByte}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	// Give the byte time to land in the kernel socket buffer.
	time.Sleep(10 * time.Millisecond)

	brk, err := server.PollForBreak()
	if err != nil {
		t.Fatalf("PollForBreak: %v", err)
	}
	if !brk {
		t.Fatalf("PollForBreak = false, want true")
	}
}
