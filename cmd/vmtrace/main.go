// vmtrace drives a roguevm.VMContext from a scripted sequence of
// map/unmap commands, over the in-process command-channel stub, and
// prints the resulting heap layout and mapping list. It exists to
// exercise the teardown and rollback paths by hand without a real GPU,
// in the single-command, flag-based shape smoynes-elsie's own cmd/elsie
// uses (that one wires a cpu.Machine straight from main; this one wires
// a roguevm.VMContext the same way, without elsie's multi-command
// internal/cli registry, since vmtrace only ever runs one script).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"roguevm/internal/bkpage"
	"roguevm/internal/cmdchan"
	"roguevm/internal/pte"
	"roguevm/internal/vmlog"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("vmtrace", flag.ContinueOnError)
	fs.SetOutput(stderr)

	scriptPath := fs.String("script", "", "path to a vmtrace script (required)")
	pageSize := fs.Uint("pagesize", uint(pte.PageSize4Ki), "device page size in bytes")
	tablePages := fs.Uint64("tablepages", 4096, "host pages available to the table allocator")
	quirk63142 := fs.Bool("quirk63142", false, "enable hardware quirk 63142 (adds the RGNHDR heap)")
	logLevel := fs.String("loglevel", "INFO", "log level: DEBUG, INFO, WARN, or ERROR")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *scriptPath == "" {
		fmt.Fprintln(stderr, "vmtrace: -script is required")
		fs.Usage()
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(stderr, "vmtrace: invalid -loglevel %q: %v\n", *logLevel, err)
		return 2
	}
	vmlog.Level.Set(level)
	logger := vmlog.NewLogger(stderr)

	layout, err := pte.NewLayout(pte.PageSize(*pageSize))
	if err != nil {
		fmt.Fprintf(stderr, "vmtrace: %v\n", err)
		return 2
	}

	alloc, err := bkpage.NewAllocator(0, *tablePages*pte.HostPageSize)
	if err != nil {
		fmt.Fprintf(stderr, "vmtrace: %v\n", err)
		return 2
	}

	ch := cmdchan.NewChannel(cmdchan.ImmediateBackend{})
	trace, err := newTrace(layout, alloc, ch, *quirk63142, logger)
	if err != nil {
		fmt.Fprintf(stderr, "vmtrace: %v\n", err)
		return 2
	}

	ops, err := parseScript(*scriptPath)
	if err != nil {
		fmt.Fprintf(stderr, "vmtrace: %v\n", err)
		return 2
	}

	failed := trace.runScript(stdout, ops)

	trace.printHeaps(stdout)
	trace.printMappings(stdout)

	if failed {
		return 1
	}
	return 0
}
