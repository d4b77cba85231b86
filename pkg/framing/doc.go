// Package framing slices complete messages out of a peer's receive buffer.
//
// Two modes are supported:
//   - Unframed: every receive delivers the whole accumulated buffer.
//   - Header-delimited: a HeaderDescr computes each message's total length
//     from a fixed-position length field, and the Assembler delivers exactly
//     that many bytes per message.
//
// # Header Layout
//
//	offset            offset+size
//	  │                   │
//	┌─┴───────────────────┴──────────────┐
//	│ ... │ length field │ ... payload   │
//	└────────────────────────────────────┘
//
//	total = field * Multiplier + Bias   (negative results clamp to 0)
//
// Delivered messages always include the header bytes. A computed total shorter
// than the header itself is a framing violation.
package framing
