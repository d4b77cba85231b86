package framing

import "fmt"

// DeliverFunc receives one complete message. msg aliases the receive buffer
// and must be copied if retained. Returning false stops delivery.
type DeliverFunc func(msg []byte) bool

// Assembler slices messages out of a Buffer.
type Assembler struct {
	header *HeaderDescr
	retain bool
}

// NewAssembler creates an assembler. A nil header selects unframed delivery.
// With retain set, delivered bytes are left in the buffer and the callback is
// responsible for discarding what it consumed.
func NewAssembler(header *HeaderDescr, retain bool) (*Assembler, error) {
	if header != nil {
		if err := header.Validate(); err != nil {
			return nil, err
		}
		h := *header
		header = &h
	}
	return &Assembler{header: header, retain: retain}, nil
}

// Header returns the header description, or nil in unframed mode.
func (a *Assembler) Header() *HeaderDescr {
	return a.header
}

// Deliver hands every complete message in buf to fn, in order.
// It returns the number of messages delivered. A header announcing fewer bytes
// than its own length yields ErrInvalidLength.
//
// fn may append to buf; appended bytes are delivered by the same call. A
// message stays valid until fn returns even if buf grows meanwhile.
func (a *Assembler) Deliver(buf *Buffer, fn DeliverFunc) (int, error) {
	buf.pinned++
	defer func() { buf.pinned-- }()

	if a.header == nil {
		return a.deliverUnframed(buf, fn), nil
	}

	hlen := a.header.HeaderLen()
	delivered := 0
	for buf.Len() >= hlen {
		n := a.header.MessageLen(buf.Bytes())
		if n < hlen {
			return delivered, fmt.Errorf("%w: header announces %d bytes, header is %d", ErrInvalidLength, n, hlen)
		}
		if buf.Len() < n {
			break
		}

		before := buf.Len()
		more := fn(buf.Bytes()[:n])
		delivered++
		if !more {
			break
		}
		if !a.retain {
			buf.Discard(n)
		} else if buf.Len() == before {
			break
		}
	}
	return delivered, nil
}

func (a *Assembler) deliverUnframed(buf *Buffer, fn DeliverFunc) int {
	delivered := 0
	for buf.Len() > 0 {
		n := buf.Len()
		more := fn(buf.Bytes()[:n])
		delivered++
		if a.retain || !more {
			break
		}
		buf.Discard(n)
	}
	return delivered
}
