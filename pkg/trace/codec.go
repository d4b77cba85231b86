package trace

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// codec pairs the CBOR modes every trace writer and reader shares.
type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// Events are written canonically so equal traces compare byte for byte.
// Reading tolerates duplicate keys and indefinite lengths from other
// writers but bounds nesting, since trace files come from disk.
var traceCodec = newCodec(
	cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	},
	cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyQuiet,
		IndefLength:      cbor.IndefLengthAllowed,
		MaxNestedLevels:  16,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
	},
)

func newCodec(eo cbor.EncOptions, do cbor.DecOptions) codec {
	enc, err := eo.EncMode()
	if err != nil {
		panic(fmt.Sprintf("trace: encode options: %v", err))
	}
	dec, err := do.DecMode()
	if err != nil {
		panic(fmt.Sprintf("trace: decode options: %v", err))
	}
	return codec{enc: enc, dec: dec}
}

// EncodeEvent returns the wire form of one event.
func EncodeEvent(event Event) ([]byte, error) {
	return traceCodec.enc.Marshal(event)
}

// DecodeEvent parses one event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := traceCodec.dec.Unmarshal(data, &event)
	if err != nil {
		return Event{}, err
	}
	return event, nil
}

// NewEncoder streams events to w.
func NewEncoder(w io.Writer) *cbor.Encoder { return traceCodec.enc.NewEncoder(w) }

// NewDecoder streams events from r.
func NewDecoder(r io.Reader) *cbor.Decoder { return traceCodec.dec.NewDecoder(r) }
