// Command e-gdbserver is the thin binary entry point around the
// internal/gdbserver dispatch engine (spec.md §1, "CLI argument
// parsing ... out of scope"; SPEC_FULL.md's Ambient Stack section).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/adapteva/e-gdbserver/internal/gdbserver"
	"github.com/adapteva/e-gdbserver/internal/logx"
	"github.com/adapteva/e-gdbserver/internal/target"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("e-gdbserver", flag.ContinueOnError)
	var (
		port        = fs.Int("port", 51000, "TCP port to listen for a gdb client on")
		platform    = fs.String("platform", "", "path to the XML platform descriptor (parsing out of scope; logged only)")
		sim         = fs.Bool("sim", false, "serve against an in-memory simulated target instead of real silicon")
		simRows     = fs.Int("sim-rows", 1, "mesh rows when -sim is set")
		simCols     = fs.Int("sim-cols", 1, "mesh cols when -sim is set")
		traceProto  = fs.Bool("trace-proto", false, "log raw RSP packet traffic")
		traceStop   = fs.Bool("trace-stop-resume", false, "log halt/resume/step transitions")
		traceBp     = fs.Bool("trace-breakpoints", false, "log breakpoint plant/remove bookkeeping")
		traceTrapIO = fs.Bool("trace-trap-io", false, "log semihosting trap redirection")
		ttyOut      = fs.Bool("tty-out", false, "format Trap 7 semihosted printf records to stdout instead of forwarding them as File-I/O")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var categories []logx.Category
	if *traceProto {
		categories = append(categories, logx.Proto)
	}
	if *traceStop {
		categories = append(categories, logx.StopResume)
	}
	if *traceBp {
		categories = append(categories, logx.StopResumeDetail)
	}
	if *traceTrapIO {
		categories = append(categories, logx.TrapIO)
	}
	log := logx.New(os.Stderr, categories...)

	if *platform != "" {
		log.Warnf("platform descriptor %q accepted but not parsed (out of scope)", *platform)
	}

	var bus target.Bus
	if *sim {
		bus = target.NewSim(*simRows, *simCols)
		log.Warnf("serving against an in-memory simulated target (-sim), not real silicon")
	} else {
		fmt.Fprintln(os.Stderr, "e-gdbserver: no hardware access layer is wired in this build; pass -sim")
		return 1
	}

	cfg := gdbserver.Config{
		ListenAddr: fmt.Sprintf(":%d", *port),
		Log:        log,
	}
	if *ttyOut {
		cfg.TTYOut = os.Stdout
	}
	srv := gdbserver.New(bus, cfg)

	if err := srv.Run(); err != nil {
		log.Errorf("%v", err)
		return 1
	}
	return 0
}
