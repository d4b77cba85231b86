package commands

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sockport/sockport/pkg/trace"
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// RunView prints the selected events of path in human-readable form.
func RunView(path string, sel Selection, w io.Writer) error {
	return each(path, sel, func(e trace.Event) error {
		formatEvent(w, e)
		return nil
	})
}

// formatEvent writes one header line and the type-specific details.
func formatEvent(w io.Writer, e trace.Event) {
	ts := e.Timestamp.UTC().Format(timeFormat)
	dir := "-"
	if e.Frame != nil {
		dir = e.Direction.String()
	}
	fmt.Fprintf(w, "%s [conn:%s] peer=%d %-3s %s %s", ts, shortenConnID(e.ConnectionID), e.PeerID, dir, e.Layer, eventType(e))
	if e.LocalRole != trace.RoleUnknown {
		fmt.Fprintf(w, " %s", e.LocalRole)
	}
	if e.RemoteAddr != "" {
		fmt.Fprintf(w, " remote=%s", e.RemoteAddr)
	}
	fmt.Fprintln(w)

	switch {
	case e.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", e.Frame.Size)
		if len(e.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(e.Frame.Data))
			if e.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case e.StateChange != nil:
		sc := e.StateChange
		fmt.Fprintf(w, "  %s: %s -> %s\n", sc.Entity, orDash(sc.OldState), sc.NewState)
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case e.Error != nil:
		fmt.Fprintf(w, "  Message: %s\n", e.Error.Message)
		if e.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Error.Context)
		}
		if e.Error.Fatal {
			fmt.Fprintln(w, "  Fatal: yes")
		}
	}
	fmt.Fprintln(w)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
