package net

// SLIP framing (RFC 1055), as spoken by the bridge hardware on the far end of
// the link.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// slipEncode wraps one frame for the wire: END delimiters around the payload,
// with in-band END and ESC bytes escaped.
func slipEncode(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+2)
	out = append(out, slipEnd)
	for _, b := range frame {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipDecoder is an incremental SLIP deframer. Feed it raw bytes as they
// arrive; it returns the complete frames found so far.
type slipDecoder struct {
	buf     []byte
	escaped bool
}

// Feed consumes a chunk of link bytes and returns any frames completed by it.
// Empty frames (back-to-back END bytes used as line noise flushes) are
// dropped. A stray escape byte invalidates the frame being collected.
func (d *slipDecoder) Feed(data []byte) [][]byte {
	var frames [][]byte

	for _, b := range data {
		if d.escaped {
			d.escaped = false
			switch b {
			case slipEscEnd:
				d.buf = append(d.buf, slipEnd)
			case slipEscEsc:
				d.buf = append(d.buf, slipEsc)
			default:
				// Protocol violation; drop the partial frame.
				d.buf = d.buf[:0]
			}
			continue
		}

		switch b {
		case slipEnd:
			if len(d.buf) > 0 {
				frame := make([]byte, len(d.buf))
				copy(frame, d.buf)
				frames = append(frames, frame)
				d.buf = d.buf[:0]
			}
		case slipEsc:
			d.escaped = true
		default:
			d.buf = append(d.buf, b)
		}
	}

	return frames
}
