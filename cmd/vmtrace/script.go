package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"roguevm"
	"roguevm/internal/bkpage"
	"roguevm/internal/cmdchan"
	"roguevm/internal/pte"
	"roguevm/internal/sgmap"
)

// op is one parsed line of a vmtrace script.
type op struct {
	line int
	kind string // "map", "mappartial", "unmap", or "flush"

	addr      uint64
	size      uint64
	objOffset uint64
	entries   []sgmap.SGLEntry
}

// parseScript reads a vmtrace script: one command per line, blank
// lines and lines starting with '#' ignored.
//
//	map        <addr> <size> <dma>
//	mappartial <addr> <size> <obj_offset> <dma1>:<size1>[,<dma2>:<size2>...]
//	unmap      <addr>
//	flush
//
// Every numeric field accepts a 0x-prefixed hex literal or a decimal
// one (strconv.ParseUint base 0).
func parseScript(path string) ([]op, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vmtrace: open script: %w", err)
	}
	defer f.Close()

	var ops []op
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)

		o := op{line: lineNo, kind: fields[0]}
		switch o.kind {
		case "map":
			if len(fields) != 4 {
				return nil, fmt.Errorf("vmtrace: line %d: map wants 3 args, got %d", lineNo, len(fields)-1)
			}
			o.addr, err = parseUint(fields[1])
			if err == nil {
				o.size, err = parseUint(fields[2])
			}
			var dma uint64
			if err == nil {
				dma, err = parseUint(fields[3])
			}
			if err != nil {
				return nil, fmt.Errorf("vmtrace: line %d: %w", lineNo, err)
			}
			o.entries = []sgmap.SGLEntry{{DMAAddr: dma, Size: o.size}}

		case "mappartial":
			if len(fields) != 5 {
				return nil, fmt.Errorf("vmtrace: line %d: mappartial wants 4 args, got %d", lineNo, len(fields)-1)
			}
			o.addr, err = parseUint(fields[1])
			if err == nil {
				o.size, err = parseUint(fields[2])
			}
			if err == nil {
				o.objOffset, err = parseUint(fields[3])
			}
			if err != nil {
				return nil, fmt.Errorf("vmtrace: line %d: %w", lineNo, err)
			}
			o.entries, err = parseEntries(fields[4])
			if err != nil {
				return nil, fmt.Errorf("vmtrace: line %d: %w", lineNo, err)
			}

		case "unmap":
			if len(fields) != 2 {
				return nil, fmt.Errorf("vmtrace: line %d: unmap wants 1 arg, got %d", lineNo, len(fields)-1)
			}
			o.addr, err = parseUint(fields[1])
			if err != nil {
				return nil, fmt.Errorf("vmtrace: line %d: %w", lineNo, err)
			}

		case "flush":
			if len(fields) != 1 {
				return nil, fmt.Errorf("vmtrace: line %d: flush takes no args", lineNo)
			}

		default:
			return nil, fmt.Errorf("vmtrace: line %d: unknown command %q", lineNo, o.kind)
		}

		ops = append(ops, o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vmtrace: reading script: %w", err)
	}
	return ops, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

func parseEntries(s string) ([]sgmap.SGLEntry, error) {
	var entries []sgmap.SGLEntry
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed sgl entry %q, want dma:size", pair)
		}
		dma, err := parseUint(parts[0])
		if err != nil {
			return nil, err
		}
		size, err := parseUint(parts[1])
		if err != nil {
			return nil, err
		}
		entries = append(entries, sgmap.SGLEntry{DMAAddr: dma, Size: size})
	}
	return entries, nil
}

// scriptObject is the minimal roguevm.Object a vmtrace script maps: a
// buffer whose only content is the scatter-gather list the script
// author wrote out by hand.
type scriptObject struct {
	size uint64
	sgt  sgmap.SGT
}

func (o *scriptObject) Size() uint64       { return o.size }
func (o *scriptObject) SGT() sgmap.SGT     { return o.sgt }
func (o *scriptObject) Flags() pte.L0Flags { return pte.L0Flags{} }
func (o *scriptObject) Get()               {}
func (o *scriptObject) Put()               {}

// trace wires one roguevm.VMContext and runs parsed ops against it.
type trace struct {
	ctx *roguevm.VMContext
	log *slog.Logger
}

func newTrace(layout *pte.Layout, alloc *bkpage.Allocator, ch *cmdchan.Channel, quirk63142 bool, logger *slog.Logger) (*trace, error) {
	dev := &roguevm.Device{
		AddrBits:   pte.AddrBits,
		Quirk63142: quirk63142,
		Channel:    ch,
	}
	ctx, err := roguevm.Create(dev, layout, alloc, false)
	if err != nil {
		return nil, fmt.Errorf("vmtrace: create context: %w", err)
	}
	return &trace{ctx: ctx, log: logger}, nil
}

// runScript executes every op in order, printing one line of result
// per op, and reports whether any op failed.
func (tr *trace) runScript(out *os.File, ops []op) bool {
	failed := false
	for _, o := range ops {
		var err error
		switch o.kind {
		case "map":
			obj := &scriptObject{size: o.size, sgt: sgmap.SGT{Entries: o.entries}}
			err = tr.ctx.Map(obj, o.addr)
		case "mappartial":
			totalSize := uint64(0)
			for _, e := range o.entries {
				totalSize += e.Size
			}
			obj := &scriptObject{size: totalSize, sgt: sgmap.SGT{Entries: o.entries}}
			err = tr.ctx.MapPartial(obj, o.objOffset, o.addr, o.size)
		case "unmap":
			err = tr.ctx.Unmap(o.addr)
		case "flush":
			err = tr.ctx.MMUFlush()
		}

		if err != nil {
			fmt.Fprintf(out, "line %d: %s: FAILED: %v\n", o.line, o.kind, err)
			failed = true
			continue
		}
		fmt.Fprintf(out, "line %d: %s: ok\n", o.line, o.kind)
	}
	return failed
}

func (tr *trace) printHeaps(out *os.File) {
	fmt.Fprintln(out, "\nheaps:")
	for _, h := range tr.ctx.Heaps() {
		fmt.Fprintf(out, "  %-14s base=%#x size=%#x", h.ID, h.Base, h.Size)
		if h.HasCarveout() {
			fmt.Fprintf(out, " carveout=[%#x,%#x)", h.Carveout.Base, h.Carveout.Base+h.Carveout.Size)
		}
		fmt.Fprintln(out)
		for _, sda := range h.StaticDataAreas {
			fmt.Fprintf(out, "    %-10s offset=%#x size=%#x\n", sda.Name, sda.Offset, sda.Size)
		}
	}
}

func (tr *trace) printMappings(out *os.File) {
	fmt.Fprintln(out, "\nmappings:")
	mappings := tr.ctx.Mappings()
	if len(mappings) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, m := range mappings {
		fmt.Fprintf(out, "  [%#x, %#x] obj_offset=%#x\n", m.Start, m.Last, m.ObjOffset)
	}
}
