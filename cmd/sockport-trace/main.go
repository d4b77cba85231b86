// Command sockport-trace views and analyzes trace files written by
// sockport -trace.
//
// Usage:
//
//	sockport-trace <command> [flags] <file.trace>
//
// Commands:
//
//	view     Print events in human-readable form
//	export   Export events as JSON lines or CSV
//	filter   Write the selected events to a new trace file
//	stats    Summarize the trace
//
// Examples:
//
//	# Only TLS layer events
//	sockport-trace view -layer tls client.trace
//
//	# Outgoing socket frames of peer 7 as CSV
//	sockport-trace export -format csv -peer 7 -direction out client.trace
//
//	# Keep one connection
//	sockport-trace filter -conn-id 3f2a9c10 -o conn.trace server.trace
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sockport/sockport/cmd/sockport-trace/commands"
)

const usage = `sockport-trace - sockport trace file analyzer

Usage:
  sockport-trace <command> [flags] <file.trace>

Commands:
  view     Print events in human-readable form
  export   Export events as JSON lines or CSV
  filter   Write the selected events to a new trace file
  stats    Summarize the trace

Use "sockport-trace <command> -help" for more information about a command.
`

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "view":
		return runView(args, stdout, stderr)
	case "export":
		return runExport(args, stdout, stderr)
	case "filter":
		return runFilter(args, stdout, stderr)
	case "stats":
		return runStats(args, stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(stderr, usage)
		return errUsage
	}
}

func newFlagSet(name, summary string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "sockport-trace %s - %s\n\nUsage:\n  sockport-trace %s [flags] <file.trace>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	return fs
}

func selectionFlags(fs *flag.FlagSet) *commands.Selection {
	sel := &commands.Selection{}
	fs.StringVar(&sel.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&sel.Peer, "peer", "", "Filter by peer handle")
	fs.StringVar(&sel.Layer, "layer", "", "Filter by layer (socket, tls, framing)")
	fs.StringVar(&sel.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&sel.Category, "category", "", "Filter by category (message, state, error)")
	fs.StringVar(&sel.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&sel.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	return sel
}

// parse parses args and returns the trace file path.
func parse(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(fs.Output(), "Error: trace file path required")
		fs.Usage()
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func runView(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("view", "Print events in human-readable form", stderr)
	sel := selectionFlags(fs)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	return commands.RunView(path, *sel, stdout)
}

func runExport(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("export", "Export events as JSON lines or CSV", stderr)
	sel := selectionFlags(fs)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output, *sel, stdout)
}

func runFilter(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("filter", "Write the selected events to a new trace file", stderr)
	sel := selectionFlags(fs)
	output := fs.String("o", "", "Output file (required)")
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	if *output == "" {
		fmt.Fprintln(stderr, "Error: output file (-o) required")
		fs.Usage()
		return errUsage
	}
	return commands.RunFilter(path, *output, *sel, stdout)
}

func runStats(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("stats", "Summarize the trace", stderr)
	path, err := parse(fs, args)
	if err != nil {
		return err
	}
	return commands.RunStats(path, stdout)
}
