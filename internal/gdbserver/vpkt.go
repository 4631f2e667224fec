package gdbserver

// handleVPacket implements the 'v...' row of spec.md §4.2. vCont
// support is deliberately never advertised (spec.md §9 Open Questions:
// "Preserve this: do not silently implement vCont").
func (s *Server) handleVPacket(args []byte) error {
	switch {
	case bytesHasPrefix(args, "Attach"):
		return s.reply(stopReply(SIGTRAP))

	case bytesHasPrefix(args, "Run"):
		return s.reply(stopReply(SIGTRAP))

	case string(args) == "Cont?":
		return s.replyEmpty()

	case bytesHasPrefix(args, "Cont"):
		if s.log != nil {
			s.log.Warnf("gdbserver: vCont requested but never advertised as supported")
		}
		return s.replyEmpty()

	case bytesHasPrefix(args, "File"):
		return s.replyEmpty()

	default:
		if s.log != nil {
			s.log.Warnf("gdbserver: unsupported v-packet %q", args)
		}
		return s.replyEmpty()
	}
}
