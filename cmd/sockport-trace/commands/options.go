// Package commands implements the sockport-trace subcommands.
package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sockport/sockport/pkg/trace"
)

// Selection holds the textual filter flags shared by view, export and filter.
// Empty fields select everything.
type Selection struct {
	ConnID    string
	Peer      string
	Layer     string
	Direction string
	Category  string
	TimeStart string
	TimeEnd   string
}

// Filter converts the selection into a trace.Filter.
func (s Selection) Filter() (trace.Filter, error) {
	f := trace.Filter{ConnectionID: s.ConnID}

	if s.Peer != "" {
		id, err := strconv.Atoi(s.Peer)
		if err != nil {
			return trace.Filter{}, fmt.Errorf("invalid peer: %s", s.Peer)
		}
		f.PeerID = &id
	}
	if s.Layer != "" {
		l, err := parseLayer(s.Layer)
		if err != nil {
			return trace.Filter{}, err
		}
		f.Layer = &l
	}
	if s.Direction != "" {
		d, err := parseDirection(s.Direction)
		if err != nil {
			return trace.Filter{}, err
		}
		f.Direction = &d
	}
	if s.Category != "" {
		c, err := parseCategory(s.Category)
		if err != nil {
			return trace.Filter{}, err
		}
		f.Category = &c
	}
	if s.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, s.TimeStart)
		if err != nil {
			return trace.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		f.TimeStart = &t
	}
	if s.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, s.TimeEnd)
		if err != nil {
			return trace.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		f.TimeEnd = &t
	}
	return f, nil
}

func parseLayer(s string) (trace.Layer, error) {
	switch strings.ToLower(s) {
	case "socket", "tcp":
		return trace.LayerSocket, nil
	case "tls":
		return trace.LayerTLS, nil
	case "framing":
		return trace.LayerFraming, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be socket, tls or framing)", s)
	}
}

func parseDirection(s string) (trace.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return trace.DirectionIn, nil
	case "out":
		return trace.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

func parseCategory(s string) (trace.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return trace.CategoryMessage, nil
	case "state":
		return trace.CategoryState, nil
	case "error":
		return trace.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state or error)", s)
	}
}

// shortenConnID keeps the first UUID group.
func shortenConnID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func eventType(e trace.Event) string {
	switch {
	case e.Frame != nil:
		return "frame"
	case e.StateChange != nil:
		return "state"
	case e.Error != nil:
		return "error"
	default:
		return "unknown"
	}
}

// each opens path and calls fn for every selected event.
func each(path string, sel Selection, fn func(trace.Event) error) error {
	filter, err := sel.Filter()
	if err != nil {
		return err
	}
	reader, err := trace.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}
