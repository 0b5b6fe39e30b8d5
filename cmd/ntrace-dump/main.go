// Command ntrace-dump reads a trace log written by ntrace-agent (or
// directly via package control) and prints its events, verifying the wire
// format as it goes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/pboy0922/ntrace/internal/chunkfmt"
	"github.com/pboy0922/ntrace/internal/logreader"
)

const help = `ntrace-dump [-flags] <trace-log>

Decodes and prints the IMAGE_INFO and TRACE_BUFFER chunks in a trace log,
failing loudly on any wire-format violation.

Example:
  ntrace-dump -json /var/log/ntrace/trace.jtrc.0000
`

type imageEvent struct {
	Kind        string `json:"kind"`
	LoadAddress uint64 `json:"load_address"`
	Size        uint32 `json:"size"`
	Path        string `json:"path"`
}

type transitionEvent struct {
	Kind      string `json:"kind"`
	ProcessID uint32 `json:"process_id"`
	ThreadID  uint32 `json:"thread_id"`
	Entry     bool   `json:"entry"`
	Timestamp uint64 `json:"timestamp"`
	Procedure uint32 `json:"procedure"`
	Info      uint32 `json:"info"`
}

func run(args []string) error {
	fset := flag.NewFlagSet("ntrace-dump", flag.ExitOnError)
	asJSON := fset.Bool("json", false, "print one JSON object per line instead of plain text")
	fset.Usage = usage(fset, help)
	fset.Parse(args)

	if fset.NArg() != 1 {
		fset.Usage()
		return fmt.Errorf("ntrace-dump: exactly one trace log path is required")
	}
	path := fset.Arg(0)

	f, err := logreader.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr, err := f.Header()
	if err != nil {
		return fmt.Errorf("reading file header: %w", err)
	}
	if !*asJSON {
		fmt.Printf("version=%d tsc=%v 32bit=%v\n",
			hdr.Version,
			hdr.Characteristics&chunkfmt.CharacteristicTSC != 0,
			hdr.Characteristics&chunkfmt.Characteristic32Bit != 0)
	}

	enc := json.NewEncoder(os.Stdout)
	var imageInfoChunks, traceBufferChunks, transitions int

	err = f.Walk(logreader.Visitor{
		OnImageInfo: func(info chunkfmt.ImageInfo) error {
			imageInfoChunks++
			if *asJSON {
				return enc.Encode(imageEvent{Kind: "image_info", LoadAddress: info.LoadAddress, Size: info.Size, Path: string(info.Path)})
			}
			fmt.Printf("IMAGE_INFO load=%#x size=%#x path=%q\n", info.LoadAddress, info.Size, info.Path)
			return nil
		},
		OnTraceBuffer: func(hdr chunkfmt.TraceBufferHeader, trs []chunkfmt.Transition) error {
			traceBufferChunks++
			for _, tr := range trs {
				transitions++
				if *asJSON {
					if err := enc.Encode(transitionEvent{
						Kind:      "transition",
						ProcessID: hdr.ProcessID,
						ThreadID:  hdr.ThreadID,
						Entry:     tr.Kind == chunkfmt.TransitionEntry,
						Timestamp: tr.Timestamp,
						Procedure: tr.Procedure,
						Info:      tr.Info,
					}); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("pid=%d tid=%d %s ts=%d proc=%#x info=%#x\n",
					hdr.ProcessID, hdr.ThreadID, tr.Kind, tr.Timestamp, tr.Procedure, tr.Info)
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", path, err)
	}

	if !*asJSON {
		summary := fmt.Sprintf("%d image-info chunks, %d trace-buffer chunks, %d transitions",
			imageInfoChunks, traceBufferChunks, transitions)
		if isatty.IsTerminal(os.Stdout.Fd()) {
			// Bold the summary line; piping to a file or another process
			// gets plain text instead of escape codes.
			summary = "\033[1m" + summary + "\033[0m"
		}
		fmt.Println(summary)
	}
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
