// Package trace records a machine-readable event trace of engine activity.
//
// It is separate from operational logging (slog). The trace captures every
// frame crossing a socket, every state transition of peers, sessions and the
// listener, and every error, keyed by the connection's UUID so that file
// descriptors reused by later connections stay distinguishable.
//
// # Basic Usage
//
//	// Console, during development
//	opts = append(opts, engine.WithTrace(trace.NewSlogAdapter(slog.Default())))
//
//	// Binary file, for later analysis with sockport-trace
//	fl, _ := trace.NewFileLogger("/tmp/port.sptr")
//	opts = append(opts, engine.WithTrace(fl))
//
//	// Both
//	opts = append(opts, engine.WithTrace(trace.Combine(console, fl)))
//
// # File Format
//
// Trace files are a sequence of CBOR-encoded Event values with integer keys.
package trace
