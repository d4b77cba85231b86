package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sockport/sockport/pkg/trace"
)

// Stats aggregates a trace file.
type Stats struct {
	TotalEvents int
	ByLayer     map[trace.Layer]int
	ByCategory  map[trace.Category]int
	Bytes       map[trace.Direction]int
	Frames      map[trace.Direction]int
	Connections map[string]*ConnectionStats
	Errors      int
	Fatal       int
	Start, End  time.Time
}

// ConnectionStats summarizes one connection.
type ConnectionStats struct {
	Peer       int
	Role       trace.Role
	Remote     string
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	BytesIn    int
	BytesOut   int
	LastTCP    string
	TLSVersion string
}

// Collect reads every event of path.
func Collect(path string) (*Stats, error) {
	s := &Stats{
		ByLayer:     make(map[trace.Layer]int),
		ByCategory:  make(map[trace.Category]int),
		Bytes:       make(map[trace.Direction]int),
		Frames:      make(map[trace.Direction]int),
		Connections: make(map[string]*ConnectionStats),
	}
	err := each(path, Selection{}, func(e trace.Event) error {
		s.add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stats) add(e trace.Event) {
	s.TotalEvents++
	s.ByLayer[e.Layer]++
	s.ByCategory[e.Category]++
	if s.Start.IsZero() || e.Timestamp.Before(s.Start) {
		s.Start = e.Timestamp
	}
	if e.Timestamp.After(s.End) {
		s.End = e.Timestamp
	}
	if e.Error != nil {
		s.Errors++
		if e.Error.Fatal {
			s.Fatal++
		}
	}

	var c *ConnectionStats
	if e.ConnectionID != "" {
		c = s.Connections[e.ConnectionID]
		if c == nil {
			c = &ConnectionStats{Peer: e.PeerID, FirstSeen: e.Timestamp, LastSeen: e.Timestamp}
			s.Connections[e.ConnectionID] = c
		}
		c.Events++
		if e.Timestamp.After(c.LastSeen) {
			c.LastSeen = e.Timestamp
		}
		if c.Role == trace.RoleUnknown {
			c.Role = e.LocalRole
		}
		if c.Remote == "" {
			c.Remote = e.RemoteAddr
		}
	}

	switch {
	case e.Frame != nil:
		// Frames are traced at the socket and again at the TLS layer; the
		// byte totals count the socket layer only.
		if e.Layer != trace.LayerSocket {
			return
		}
		s.Frames[e.Direction]++
		s.Bytes[e.Direction] += e.Frame.Size
		if c != nil {
			if e.Direction == trace.DirectionIn {
				c.BytesIn += e.Frame.Size
			} else {
				c.BytesOut += e.Frame.Size
			}
		}
	case e.StateChange != nil && c != nil:
		switch e.StateChange.Entity {
		case trace.StateEntityTCP:
			c.LastTCP = e.StateChange.NewState
		case trace.StateEntityTLS:
			if e.StateChange.NewState == "ESTABLISHED" {
				c.TLSVersion = e.StateChange.Reason
			}
		}
	}
}

// RunStats prints the statistics of path.
func RunStats(path string, w io.Writer) error {
	s, err := Collect(path)
	if err != nil {
		return err
	}
	printStats(w, s)
	return nil
}

func printStats(w io.Writer, s *Stats) {
	fmt.Fprintln(w, "=== Trace Statistics ===")
	fmt.Fprintln(w)

	if s.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.End.Sub(s.Start).Round(time.Millisecond))
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total Events: %d\n", s.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range []trace.Layer{trace.LayerSocket, trace.LayerTLS, trace.LayerFraming} {
		if n := s.ByLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range []trace.Category{trace.CategoryMessage, trace.CategoryState, trace.CategoryError} {
		if n := s.ByCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Socket Traffic:")
	for _, d := range []trace.Direction{trace.DirectionIn, trace.DirectionOut} {
		fmt.Fprintf(w, "  %-12s %d frames, %d bytes\n", d.String()+":", s.Frames[d], s.Bytes[d])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	ids := make([]string, 0, len(s.Connections))
	for id := range s.Connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.Connections[ids[i]].FirstSeen.Before(s.Connections[ids[j]].FirstSeen)
	})
	for _, id := range ids {
		c := s.Connections[id]
		fmt.Fprintf(w, "  [%s] peer %d %s %s: %d events, %d in / %d out bytes, %s\n",
			shortenConnID(id), c.Peer, c.Role, orDash(c.Remote), c.Events, c.BytesIn, c.BytesOut,
			c.LastSeen.Sub(c.FirstSeen).Round(time.Millisecond))
		if c.TLSVersion != "" {
			fmt.Fprintf(w, "           TLS: %s\n", c.TLSVersion)
		}
		if c.LastTCP != "" {
			fmt.Fprintf(w, "           Last TCP state: %s\n", c.LastTCP)
		}
	}

	if s.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d (%d fatal)\n", s.Errors, s.Fatal)
	}
}
