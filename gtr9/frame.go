package gtr9

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	delimiter  = 0x7E
	headerSize = 5 // Type(1) + Seq(1) + Size(1) + BoxID(2)
	minFrame   = headerSize + 2
)

var (
	preamble = []byte{0x7E, 0x7E, 0x7E, 0x7E, 0x00}

	// Observed terminator patterns, in scan order.
	suffixDelimiter = []byte{0x7E, 0x7E}
	suffixZeroPad   = []byte{0x00, 0x00}
)

// Frame is one extracted protocol message, Type through CRC inclusive,
// preamble and suffix stripped.
type Frame struct {
	Data []byte
	// Degraded is set when the frame was terminated by a lone trailing
	// delimiter byte instead of a full suffix.
	Degraded bool
}

// FrameDecoder accumulates a TCP byte stream and splits it into frames.
// Incomplete input is kept until more data arrives; only bytes that can
// never start a message are discarded.
type FrameDecoder struct {
	buf []byte
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Append adds data to the stream buffer and returns all complete frames.
func (d *FrameDecoder) Append(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		frame, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

// next extracts one frame from the front of the buffer. It never takes a
// degraded terminator decision on a stream: a lone trailing delimiter might
// be the first half of a suffix still in flight.
func (d *FrameDecoder) next() (Frame, bool) {
	start := bytes.Index(d.buf, preamble)
	if start < 0 {
		// Keep a possible preamble prefix at the tail, drop the rest.
		d.buf = trimToPossiblePreamble(d.buf)
		return Frame{}, false
	}
	if start > 0 {
		d.buf = d.buf[start:]
	}

	body := d.buf[len(preamble):]
	if len(body) < minFrame {
		return Frame{}, false
	}

	end, suffixLen := findSuffix(body, headerSize)
	if end < 0 {
		// Nothing validated yet. A later preamble proves the current
		// frame is complete and corrupt; emit it so the CRC rejection is
		// counted, and resync on the next message. Otherwise wait.
		if skip := bytes.Index(body, preamble); skip >= 0 {
			frame := Frame{Data: append([]byte(nil), body[:skip]...)}
			d.buf = append([]byte(nil), body[skip:]...)
			return frame, true
		}
		return Frame{}, false
	}

	frame := Frame{Data: append([]byte(nil), body[:end]...)}
	d.buf = append([]byte(nil), body[end+suffixLen:]...)
	return frame, true
}

// Flush terminates the stream. A pending message ending in a lone
// delimiter byte is accepted as degraded rather than lost; anything else
// still buffered is returned as an error for logging.
func (d *FrameDecoder) Flush() (*Frame, error) {
	buf := d.buf
	d.buf = nil

	start := bytes.Index(buf, preamble)
	if start < 0 {
		if len(buf) > 0 {
			return nil, fmt.Errorf("discarding %d unframed trailing bytes", len(buf))
		}
		return nil, nil
	}

	body := buf[start+len(preamble):]
	if len(body) < minFrame+1 || body[len(body)-1] != delimiter {
		if len(body) > 0 {
			return nil, fmt.Errorf("discarding %d byte incomplete frame", len(body))
		}
		return nil, nil
	}

	return &Frame{Data: append([]byte(nil), body[:len(body)-1]...), Degraded: true}, nil
}

// ExtractDatagram frames a single UDP datagram. There is no continuation
// on a datagram transport, so a missing suffix is accepted degraded when a
// lone trailing delimiter is present, and malformed otherwise.
func ExtractDatagram(data []byte) (Frame, error) {
	start := bytes.Index(data, preamble)
	if start < 0 {
		return Frame{}, fmt.Errorf("no preamble in %d byte datagram", len(data))
	}

	body := data[start+len(preamble):]
	if len(body) < minFrame {
		return Frame{}, fmt.Errorf("datagram too short: %d bytes after preamble", len(body))
	}

	if end, _ := findSuffix(body, headerSize); end >= 0 {
		return Frame{Data: append([]byte(nil), body[:end]...)}, nil
	}

	if body[len(body)-1] == delimiter {
		return Frame{Data: append([]byte(nil), body[:len(body)-1]...), Degraded: true}, nil
	}

	return Frame{}, fmt.Errorf("no terminator in %d byte datagram", len(body))
}

// findSuffix scans forward from offset for an accepted terminator pattern
// and returns its start index and length, or -1. Payload bytes legitimately
// contain both patterns (a record with no active digital inputs carries
// 0x0000), so a candidate counts only when the CRC over the bytes before it
// validates.
func findSuffix(body []byte, offset int) (int, int) {
	if offset < minFrame {
		offset = minFrame
	}
	for i := offset; i+1 < len(body); i++ {
		terminator := body[i] == suffixDelimiter[0] && body[i+1] == suffixDelimiter[1] ||
			body[i] == suffixZeroPad[0] && body[i+1] == suffixZeroPad[1]
		if !terminator {
			continue
		}
		if binary.BigEndian.Uint16(body[i-2:i]) == Crc16(body[:i-2]) {
			return i, 2
		}
	}
	return -1, 0
}

// trimToPossiblePreamble drops buffered bytes that can no longer become a
// preamble, keeping any suffix of the buffer that is a preamble prefix.
func trimToPossiblePreamble(buf []byte) []byte {
	for keep := len(preamble) - 1; keep > 0; keep-- {
		if keep <= len(buf) && bytes.HasPrefix(preamble, buf[len(buf)-keep:]) {
			return append([]byte(nil), buf[len(buf)-keep:]...)
		}
	}
	return nil
}
