package rsp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/adapteva/e-gdbserver/internal/logx"
)

// rxBufSize mirrors the teacher's fixed-size receive buffer; it only
// needs to be larger than one TCP read, not a full packet, since the
// framing state machine spans reads.
const rxBufSize = 4096

// ErrBreak is returned by ReadPacket and reported by PollForBreak when
// the client sends a raw 0x03 byte outside any packet framing: GDB's
// way of asking a running target to stop (spec.md §4.1, "A raw 0x03
// byte ... is surfaced to the dispatcher as a break signal, not a
// packet").
var ErrBreak = fmt.Errorf("rsp: break byte received")

// Connection frames one client's TCP byte stream into RSP packets. It
// is not safe for concurrent use: spec.md §6 restricts the server to
// one active client connection, served by a single goroutine.
//
// The receive-side state machine is grounded on
// _examples/BertoldVdb-go-gdb/raw.go's rawRecvPacket, adapted so the
// server (not the client) answers each received packet's ack and so a
// bare 0x03 outside of "$...#xx" framing short-circuits back to the
// caller instead of being folded into packet data.
type Connection struct {
	conn net.Conn
	log  *logx.Logger

	rxBuf      [rxBufSize]byte
	rxBufLen   int
	rxBufIndex int

	state int // 0 = waiting for '$', 1 = in payload, 2/3 = checksum hex digits
	rxPkt []byte
	rxSum [2]byte
}

// NewConnection wraps an accepted TCP connection.
func NewConnection(conn net.Conn, log *logx.Logger) *Connection {
	return &Connection{conn: conn, log: log, rxPkt: make([]byte, 0, PacketCapacity)}
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address, for logging.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) sendAck(ok bool) error {
	ack := byte(ackOK)
	if !ok {
		ack = ackResend
	}
	_, err := c.conn.Write([]byte{ack})
	return err
}

// WritePacket frames payload and writes it to the client, retrying
// until the client acks with '+'. A '-' ack means the client detected
// a checksum mismatch on the wire and wants a resend (spec.md §4.1,
// "retransmits on a NAK").
func (c *Connection) WritePacket(payload []byte) error {
	encoded := Encode(payload)
	for {
		if _, err := c.conn.Write(encoded); err != nil {
			return err
		}
		var ack [1]byte
		if _, err := c.conn.Read(ack[:]); err != nil {
			return err
		}
		switch ack[0] {
		case ackOK:
			return nil
		case ackResend:
			continue
		default:
			return fmt.Errorf("rsp: unexpected ack byte %#x", ack[0])
		}
	}
}

// ReadPacket blocks until a full, checksum-valid packet arrives and
// returns its decoded payload, acking every attempt (successful or
// not) as it goes. If the client sends a bare 0x03 byte while no
// packet is in flight, ReadPacket consumes it and returns ErrBreak
// immediately rather than waiting for a '$'.
func (c *Connection) ReadPacket() ([]byte, error) {
outer:
	for {
		if c.rxBufIndex >= c.rxBufLen {
			n, err := c.conn.Read(c.rxBuf[:])
			if err != nil {
				return nil, err
			}
			c.rxBufLen = n
			c.rxBufIndex = 0
		}

		for i, m := range c.rxBuf[c.rxBufIndex:c.rxBufLen] {
			switch c.state {
			case 0:
				if m == breakByte {
					c.rxBufIndex += i + 1
					return nil, ErrBreak
				}
				if m == frameStart {
					c.state = 1
					c.rxPkt = c.rxPkt[:0]
				}
			case 1:
				if m == frameEnd {
					c.state = 2
				} else {
					c.rxPkt = append(c.rxPkt, m)
				}
			case 2:
				c.rxSum[0] = m
				c.state = 3
			case 3:
				c.rxSum[1] = m
				c.state = 0

				want, err := strconv.ParseUint(string(c.rxSum[:]), 16, 8)
				if err != nil || uint8(want) != Checksum(c.rxPkt) {
					if c.log != nil {
						c.log.Warnf("rsp: checksum mismatch, nak'ing")
					}
					c.rxBufIndex += i + 1
					if err := c.sendAck(false); err != nil {
						return nil, err
					}
					// Restart the scan from the byte after the bad
					// trailer: the slice this range loop holds is now
					// stale relative to the advanced rxBufIndex.
					continue outer
				}

				c.rxBufIndex += i + 1
				if err := c.sendAck(true); err != nil {
					return nil, err
				}
				payload, err := DecodePayload(c.rxPkt)
				if err != nil {
					return nil, err
				}
				if c.log != nil {
					c.log.Tracef(logx.Proto, "<- %q", payload)
				}
				return payload, nil
			}
		}
		// The whole buffer was scanned without completing a packet;
		// the next read starts fresh.
		c.rxBufIndex = c.rxBufLen
	}
}

// PollForBreak does a best-effort, non-blocking check for a pending
// 0x03 break byte while the target is running (spec.md §4.4, "the
// connection is polled ... for an out-of-band break byte"). It never
// blocks waiting on the network: if no data is immediately available,
// it reports false without consuming anything.
func (c *Connection) PollForBreak() (bool, error) {
	if c.rxBufIndex < c.rxBufLen {
		if c.state == 0 && c.rxBuf[c.rxBufIndex] == breakByte {
			c.rxBufIndex++
			return true, nil
		}
		return false, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false, err
	}
	n, err := c.conn.Read(c.rxBuf[:])
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	c.rxBufLen = n
	c.rxBufIndex = 0
	if n > 0 && c.state == 0 && c.rxBuf[0] == breakByte {
		c.rxBufIndex = 1
		return true, nil
	}
	return false, nil
}

// Listener accepts successive client connections on one TCP port. It
// does not itself limit how many are live; the server calls Accept
// again only after its current connection ends.
type Listener struct {
	ln  net.Listener
	log *logx.Logger
}

// Listen binds addr (e.g. ":51000") and returns a Listener ready to
// accept connections.
func Listen(addr string, log *logx.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, log: log}, nil
}

// Accept blocks for the next client connection.
func (l *Listener) Accept() (*Connection, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewConnection(conn, l.log), nil
}

// Addr reports the bound address, mainly so tests using ":0" can
// discover the assigned port.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
