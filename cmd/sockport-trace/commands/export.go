package commands

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sockport/sockport/pkg/trace"
)

// RunExport writes the selected events as JSON lines or CSV to output, or to
// w when output is empty.
func RunExport(path, format, output string, sel Selection, w io.Writer) (err error) {
	if format != "jsonl" && format != "csv" {
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}

	if format == "jsonl" {
		enc := json.NewEncoder(w)
		return each(path, sel, func(e trace.Event) error {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			return nil
		})
	}

	cw := csv.NewWriter(w)
	header := []string{"timestamp", "connection_id", "peer", "role", "remote", "direction", "layer", "category", "type", "size", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	err = each(path, sel, func(e trace.Event) error {
		return cw.Write(csvRow(e))
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}

func csvRow(e trace.Event) []string {
	dir, size, detail := "", "", ""
	switch {
	case e.Frame != nil:
		dir = e.Direction.String()
		size = strconv.Itoa(e.Frame.Size)
		detail = hex.EncodeToString(e.Frame.Data)
	case e.StateChange != nil:
		detail = fmt.Sprintf("%s %s->%s", e.StateChange.Entity, e.StateChange.OldState, e.StateChange.NewState)
	case e.Error != nil:
		detail = e.Error.Message
	}
	role := ""
	if e.LocalRole != trace.RoleUnknown {
		role = e.LocalRole.String()
	}
	return []string{
		e.Timestamp.UTC().Format(timeFormat),
		e.ConnectionID,
		strconv.Itoa(e.PeerID),
		role,
		e.RemoteAddr,
		dir,
		e.Layer.String(),
		e.Category.String(),
		eventType(e),
		size,
		detail,
	}
}
