package commands

import (
	"fmt"
	"io"

	"github.com/sockport/sockport/pkg/trace"
)

// RunFilter copies the selected events of path into a new trace file.
func RunFilter(path, output string, sel Selection, w io.Writer) error {
	if output == "" {
		return fmt.Errorf("output file required")
	}
	if _, err := sel.Filter(); err != nil {
		return err
	}
	out, err := trace.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	count := 0
	err = each(path, sel, func(e trace.Event) error {
		out.Log(e)
		count++
		return nil
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n := out.Dropped(); n > 0 {
		return fmt.Errorf("%d events could not be written", n)
	}
	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return nil
}
