package gdbserver

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/rsp"
)

// handleQuery implements every 'q...' row of spec.md §4.6.
func (s *Server) handleQuery(args []byte) error {
	switch {
	case bytesHasPrefix(args, "Supported"):
		return s.reply([]byte(fmt.Sprintf("PacketSize=%x;qXfer:osdata:read+", rsp.PacketCapacity)))

	case string(args) == "C":
		return s.reply([]byte(fmt.Sprintf("QC%x", constantThreadID)))

	case string(args) == "fThreadInfo":
		return s.reply([]byte(fmt.Sprintf("m%x", constantThreadID)))
	case string(args) == "sThreadInfo":
		return s.reply([]byte("l"))

	case string(args) == "L":
		// Deprecated pre-qfThreadInfo query; the original answers with
		// a literal "qM001" body (SPEC_FULL.md supplemental feature).
		return s.reply([]byte("qM001"))

	case bytesHasPrefix(args, "ThreadExtraInfo,"):
		return s.reply(encodeHexBytes([]byte("Runnable")))

	case string(args) == "Offsets":
		return s.reply([]byte("Text=0;Data=0;Bss=0"))

	case string(args) == "Attached":
		return s.reply([]byte("1"))

	case string(args) == "TStatus":
		return s.replyEmpty()

	case bytesHasPrefix(args, "Symbol:"):
		return s.replyOK()

	case bytesHasPrefix(args, "GetTLSAddr:"):
		return s.replyEmpty()

	case bytesHasPrefix(args, "Rcmd,"):
		return s.handleMonitorCommand(args[len("Rcmd,"):])

	case bytesHasPrefix(args, "Xfer:osdata:read:"):
		return s.handleOsdataRead(args[len("Xfer:osdata:read:"):])

	default:
		if s.log != nil {
			s.log.Warnf("gdbserver: unrecognized query %q", args)
		}
		return s.replyEmpty()
	}
}

// handleSet implements the 'Q...' rows (spec.md §4.6): trace-control
// primitives the server never actually runs (Non-goal: "no
// tracepoints"), answered as stubs so a client that probes for tracing
// support doesn't stall.
func (s *Server) handleSet(args []byte) error {
	switch {
	case bytesHasPrefix(args, "TStart"), bytesHasPrefix(args, "TStop"),
		bytesHasPrefix(args, "TInit"), bytesHasPrefix(args, "TDP"),
		bytesHasPrefix(args, "Frame"):
		return s.replyOK()
	case bytesHasPrefix(args, "TRO"):
		return s.replyEmpty()
	default:
		return s.replyEmpty()
	}
}

// constantThreadID is the single logical thread id this server ever
// reports for qC/qfThreadInfo (spec.md §4.6, "return the constant
// thread id") — the Non-goal "a logical thread maps one-to-one to a
// core" still lets gdb address individual cores via 'H', but the
// legacy thread-enumeration queries only ever need to satisfy a client
// checking that some thread exists.
const constantThreadID = 1

func bytesHasPrefix(b []byte, prefix string) bool {
	return strings.HasPrefix(string(b), prefix)
}

// monitorHelpText lists the monitor commands qRcmd advertises; "help-
// hidden" deliberately isn't in it (spec.md §4.6 names the visible
// subset; SPEC_FULL.md's supplement adds the hidden seventh).
const monitorHelpText = "monitor commands: swreset, hwreset, halt, run, coreid, help\n"

// handleMonitorCommand implements 'qRcmd,<hex>' (spec.md §4.6): decode
// hex to ASCII, then recognize the known monitor commands.
func (s *Server) handleMonitorCommand(hexCmd []byte) error {
	raw, err := decodeHexBytes(hexCmd)
	if err != nil {
		return s.replyErr('1')
	}
	cmd := strings.TrimSpace(string(raw))

	switch cmd {
	case "swreset":
		for i := 0; i < 12; i++ {
			if err := s.bus.WriteWord(regs.OffsetSoftwareRST, 1); err != nil {
				return s.replyErr('1')
			}
		}
		if err := s.bus.WriteWord(regs.OffsetSoftwareRST, 0); err != nil {
			return s.replyErr('1')
		}
		return s.replyOK()

	case "hwreset":
		if err := s.bus.PlatformReset(); err != nil {
			return s.replyErr('1')
		}
		msg := "hardware reset issued; reconnect if the link drops\n"
		return s.reply(encodeHexBytes([]byte(msg)))

	case "halt":
		halted, err := s.monitorHalt()
		if err != nil {
			return s.replyErr('1')
		}
		if !halted {
			// Report the failed halt attempt as an extra, unsolicited
			// stop packet before the monitor command's own OK reply.
			_ = s.conn.WritePacket(stopReply(SIGHUP))
		}
		return s.replyOK()

	case "run":
		if err := s.bus.WriteWord(regs.OffsetILat, regs.ExceptReset); err != nil {
			return s.replyErr('1')
		}
		return s.replyOK()

	case "coreid":
		v, err := s.bus.ReadWord(regs.OffsetCoreID)
		if err != nil {
			return s.replyErr('1')
		}
		return s.reply(encodeHexBytes([]byte(fmt.Sprintf("0x%x\n", v))))

	case "help":
		return s.reply(encodeHexBytes([]byte(monitorHelpText)))

	case "help-hidden":
		return s.reply(encodeHexBytes([]byte("link,spi\n")))

	default:
		return s.replyEmpty()
	}
}

// monitorHalt is the halt primitive behind "qRcmd,halt" (suspend runs
// its own equivalent wait loop): it does not itself decide a stop
// signal, only whether the target reached debug state within the
// timeout.
func (s *Server) monitorHalt() (bool, error) {
	if err := s.bus.WriteWord(regs.OffsetDebugCmd, regs.DebugCmdHalt); err != nil {
		return false, err
	}
	deadline := time.Now().Add(haltTimeout)
	for time.Now().Before(deadline) {
		debug, err := s.bus.ReadWord(regs.OffsetDebug)
		if err != nil {
			return false, err
		}
		if regs.GetField(debug, regs.DebugHaltBit, regs.DebugHaltBit) == 1 {
			return true, nil
		}
		time.Sleep(haltPollPeriod)
	}
	return false, nil
}

// --- qXfer:osdata:read ---

type osdataColumn struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type osdataItem struct {
	Columns []osdataColumn `xml:"column"`
}

type osdataDoc struct {
	XMLName xml.Name     `xml:"osdata"`
	Type    string       `xml:"type,attr"`
	Items   []osdataItem `xml:"item"`
}

func col(name, value string) osdataColumn { return osdataColumn{Name: name, Value: value} }

// buildOsdataDoc renders one of the three supported annexes to XML
// (spec.md §6).
func (s *Server) buildOsdataDoc(annex string) ([]byte, error) {
	cores := s.bus.ListCores()

	var doc osdataDoc
	switch annex {
	case "process":
		doc.Type = "processes"
		ids := make([]string, len(cores))
		for i, c := range cores {
			ids[i] = fmt.Sprintf("%d", c)
		}
		doc.Items = []osdataItem{{Columns: []osdataColumn{
			col("pid", "1"),
			col("user", "root"),
			col("command", ""),
			col("cores", strings.Join(ids, ",")),
		}}}

	case "load":
		doc.Type = "cores"
		for _, c := range cores {
			doc.Items = append(doc.Items, osdataItem{Columns: []osdataColumn{
				col("coreid", fmt.Sprintf("%08x", uint16(c))),
				col("load", "00"),
			}})
		}

	case "traffic":
		doc.Type = "traffic"
		rows, cols := s.bus.NumRows(), s.bus.NumCols()
		for _, c := range cores {
			r, cc := int(c.Row()), int(c.Col())
			doc.Items = append(doc.Items, osdataItem{Columns: []osdataColumn{
				col("coreid", fmt.Sprintf("%08x", uint16(c))),
				col("north-in", trafficValue(r == 0)),
				col("north-out", trafficValue(r == 0)),
				col("south-in", trafficValue(r == rows-1)),
				col("south-out", trafficValue(r == rows-1)),
				col("east-in", trafficValue(cc == cols-1)),
				col("east-out", trafficValue(cc == cols-1)),
				col("west-in", trafficValue(cc == 0)),
				col("west-out", trafficValue(cc == 0)),
			}})
		}

	default:
		return nil, fmt.Errorf("gdbserver: unknown osdata annex %q", annex)
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := append([]byte(`<?xml version="1.0"?><!DOCTYPE osdata>`), body...)
	return out, nil
}

func trafficValue(edge bool) string {
	if edge {
		return "--"
	}
	return "00"
}

// handleOsdataRead implements "Xfer:osdata:read:<annex>:<off>,<len>"
// (spec.md §6): paginate the annex document, replying "m<chunk>" if
// more remains or "l<chunk>" on the final chunk.
func (s *Server) handleOsdataRead(args []byte) error {
	parts := splitFields(args, ':')
	if len(parts) != 2 {
		return s.replyErr('1')
	}
	annex := string(parts[0])
	offLen := splitFields(parts[1], ',')
	if len(offLen) != 2 {
		return s.replyErr('1')
	}
	off, err := parseHexUint32(offLen[0])
	if err != nil {
		return s.replyErr('1')
	}
	length, err := parseHexUint32(offLen[1])
	if err != nil {
		return s.replyErr('1')
	}

	doc, err := s.buildOsdataDoc(annex)
	if err != nil {
		return s.replyEmpty()
	}

	if int(off) >= len(doc) {
		return s.reply([]byte("l"))
	}
	end := int(off) + int(length)
	last := false
	if end >= len(doc) {
		end = len(doc)
		last = true
	}
	prefix := byte('m')
	if last {
		prefix = 'l'
	}
	return s.reply(append([]byte{prefix}, doc[off:end]...))
}
