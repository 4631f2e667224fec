package gdbserver

import (
	"fmt"

	"github.com/adapteva/e-gdbserver/internal/regs"
	"github.com/adapteva/e-gdbserver/internal/rsp"
	"github.com/adapteva/e-gdbserver/internal/target"
)

// statusBankSpan is the byte range covering every status register
// spec.md §4.2's 'g'/'G' row marshals, expressed relative to
// regs.OffsetConfig (the lowest status offset), so the bank can be
// fetched with one burst transaction, the same way handleReadAllRegs
// reads the GPR bank with one burst.
const statusBankSpan = regs.OffsetIPend + regs.RegBytes - regs.OffsetConfig

// handleReadAllRegs implements 'g': one burst read over the GPR bank,
// one burst read over the status bank, hex-encoded back to back in
// wire order.
func (s *Server) handleReadAllRegs() error {
	gpr := make([]byte, regs.NumGPRs*regs.RegBytes)
	if err := s.bus.BurstRead(regs.GPROffset(0), gpr); err != nil {
		return s.replyErr('1')
	}
	statusBuf := make([]byte, statusBankSpan)
	if err := s.bus.BurstRead(regs.OffsetConfig, statusBuf); err != nil {
		return s.replyErr('1')
	}

	out := make([]byte, 0, (regs.NumGPRs+regs.NumStatusRegs)*regs.RegBytes*2)
	out = append(out, encodeHexBytes(gpr)...)
	for _, off := range regs.StatusRegOffsets {
		rel := off - regs.OffsetConfig
		out = append(out, encodeHexBytes(statusBuf[rel:rel+regs.RegBytes])...)
	}
	return s.reply(out)
}

// handleWriteAllRegs implements 'G': the inverse of handleReadAllRegs.
func (s *Server) handleWriteAllRegs(hex []byte) error {
	raw, err := decodeHexBytes(hex)
	if err != nil || len(raw) < (regs.NumGPRs+regs.NumStatusRegs)*regs.RegBytes {
		return s.replyErr('1')
	}
	gpr := raw[:regs.NumGPRs*regs.RegBytes]
	if err := s.bus.BurstWrite(regs.GPROffset(0), gpr); err != nil {
		return s.replyErr('1')
	}
	statusRaw := raw[regs.NumGPRs*regs.RegBytes:]
	for i, off := range regs.StatusRegOffsets {
		v := leUint32(statusRaw[i*regs.RegBytes:])
		if err := s.bus.WriteWord(off, v); err != nil {
			return s.replyErr('1')
		}
	}
	return s.replyOK()
}

// handleReadOneReg implements 'p': read the register named by the
// hex GDB register number in args.
func (s *Server) handleReadOneReg(args []byte) error {
	n, err := parseHexUint32(args)
	if err != nil {
		return s.replyErr('1')
	}
	off, ok := regs.OffsetForRegNum(int(n))
	if !ok {
		return s.replyEmpty()
	}
	v, err := s.bus.ReadWord(off)
	if err != nil {
		return s.replyErr('1')
	}
	return s.reply(encodeHexBytes(leBytes(v)))
}

// handleWriteOneReg implements 'P': "n=value" where both fields are
// hex.
func (s *Server) handleWriteOneReg(args []byte) error {
	fields := splitFields(args, '=')
	if len(fields) != 2 {
		return s.replyErr('1')
	}
	n, err := parseHexUint32(fields[0])
	if err != nil {
		return s.replyErr('1')
	}
	raw, err := decodeHexBytes(fields[1])
	if err != nil || len(raw) < regs.RegBytes {
		return s.replyErr('1')
	}
	off, ok := regs.OffsetForRegNum(int(n))
	if !ok {
		return s.replyEmpty()
	}
	if err := s.bus.WriteWord(off, leUint32(raw)); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// maxReadBytes caps a single 'm' reply so its hex-encoded body plus
// framing overhead never exceeds rsp.PacketCapacity (spec.md §8,
// "Memory read length N ... truncates N, not faults").
const maxReadBytes = (rsp.PacketCapacity - 8) / 2

// handleReadMem implements 'm': "addr,len".
func (s *Server) handleReadMem(args []byte) error {
	fields := splitFields(args, ',')
	if len(fields) != 2 {
		return s.replyErr('1')
	}
	addr, err := parseHexUint32(fields[0])
	if err != nil {
		return s.replyErr('1')
	}
	n, err := parseHexUint32(fields[1])
	if err != nil {
		return s.replyErr('1')
	}
	if int(n) > maxReadBytes {
		n = uint32(maxReadBytes)
	}
	data, err := target.ReadBytes(s.bus, addr, int(n))
	if err != nil {
		return s.replyErr('1')
	}
	return s.reply(encodeHexBytes(data))
}

// handleWriteMem implements 'M': "addr,len:hexdata".
func (s *Server) handleWriteMem(args []byte) error {
	addr, n, data, err := parseMemWrite(args, decodeHexBytes)
	if err != nil {
		return s.replyErr('1')
	}
	if len(data) != n {
		return s.replyErr('1')
	}
	if err := s.bus.BurstWrite(addr, data); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// handleWriteMemBinary implements 'X': "addr,len:rawdata". The
// connection's packet codec has already undone the `}`-escaping by
// the time this handler sees the payload (spec.md §4.2, "X is binary
// with }-escapes"), so the trailing bytes are the literal payload.
func (s *Server) handleWriteMemBinary(args []byte) error {
	addr, n, data, err := parseMemWrite(args, func(b []byte) ([]byte, error) { return b, nil })
	if err != nil {
		return s.replyErr('1')
	}
	if len(data) != n {
		return s.replyErr('1')
	}
	if err := s.bus.BurstWrite(addr, data); err != nil {
		return s.replyErr('1')
	}
	return s.replyOK()
}

// parseMemWrite splits "addr,len:body" and decodes body with decode.
func parseMemWrite(args []byte, decode func([]byte) ([]byte, error)) (addr uint32, n int, data []byte, err error) {
	colon := -1
	for i, c := range args {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon < 0 {
		return 0, 0, nil, fmt.Errorf("gdbserver: malformed memory write %q", args)
	}
	fields := splitFields(args[:colon], ',')
	if len(fields) != 2 {
		return 0, 0, nil, fmt.Errorf("gdbserver: malformed memory write %q", args)
	}
	addr, err = parseHexUint32(fields[0])
	if err != nil {
		return 0, 0, nil, err
	}
	nn, err := parseHexUint32(fields[1])
	if err != nil {
		return 0, 0, nil, err
	}
	data, err = decode(args[colon+1:])
	if err != nil {
		return 0, 0, nil, err
	}
	return addr, int(nn), data, nil
}

func leBytes(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
