package trace

// Combine returns one Logger feeding every non-nil logger given. Nested
// combinations are flattened. With nothing left it returns NoopLogger and
// with a single logger it returns that logger unchanged.
func Combine(loggers ...Logger) Logger {
	var out fanout
	for _, l := range loggers {
		switch l := l.(type) {
		case nil, NoopLogger:
		case fanout:
			out = append(out, l...)
		default:
			out = append(out, l)
		}
	}
	switch len(out) {
	case 0:
		return NoopLogger{}
	case 1:
		return out[0]
	}
	return out
}

type fanout []Logger

func (f fanout) Log(event Event) {
	for _, l := range f {
		l.Log(event)
	}
}
