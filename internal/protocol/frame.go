// Package protocol implements the framed wire format shared by every agent
// (CP engines, CP monitors, drivers) and the message catalog layered on it.
// A frame is <STX><payload><ETX><LRC> where payload is UTF-8 text with
// fields joined by '#' and LRC is the XOR of every byte from STX through
// ETX inclusive.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// FRAME STRUCTURE
// ============================================================================

// Framing control bytes.
const (
	STX byte = 0x02 // start of text
	ETX byte = 0x03 // end of text
	SEP byte = 0x23 // '#' field separator
)

// MaxFrameSize caps a single frame on the wire, payload and framing bytes
// included. A connection whose buffer exceeds this without yielding a frame
// is considered broken.
const MaxFrameSize = 4096

// Decode errors. ErrIncomplete means the buffer does not yet hold a full
// frame and no bytes were consumed; the caller reads more and retries. The
// other errors describe a structurally complete but unusable frame — the
// returned length covers it, so a caller may skip it, but on TCP a corrupt
// frame means a broken peer and dropping the connection is the normal
// response.
var (
	ErrIncomplete     = errors.New("incomplete frame")
	ErrChecksum       = errors.New("lrc checksum mismatch")
	ErrInvalidPayload = errors.New("payload is not valid utf-8")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// LRC returns the longitudinal redundancy check byte: the XOR of every byte
// in data.
func LRC(data []byte) byte {
	var lrc byte
	for _, b := range data {
		lrc ^= b
	}
	return lrc
}

// Encode builds a complete wire frame from a field list.
func Encode(fields ...string) []byte {
	payload := strings.Join(fields, string(SEP))

	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, STX)
	frame = append(frame, payload...)
	frame = append(frame, ETX)
	frame = append(frame, LRC(frame))
	return frame
}

// Decode scans buf for the first complete frame and returns its fields plus
// the number of bytes consumed, which includes any garbage before the STX.
//
// The codec is stream-oriented: callers append arbitrarily chunked reads to
// one buffer and call Decode in a loop, draining every complete frame before
// blocking on the next read. ErrIncomplete consumes nothing.
func Decode(buf []byte) ([]string, int, error) {
	start := bytes.IndexByte(buf, STX)
	if start < 0 {
		return nil, 0, ErrIncomplete
	}

	// ETX must sit at offset >= 1 past the STX; an empty payload frame is
	// <STX><ETX><LRC>, three bytes total.
	rel := bytes.IndexByte(buf[start+1:], ETX)
	if rel < 0 {
		if len(buf)-start > MaxFrameSize {
			return nil, 0, ErrFrameTooLarge
		}
		return nil, 0, ErrIncomplete
	}
	etx := start + 1 + rel

	// One LRC byte follows the ETX.
	if etx+1 >= len(buf) {
		return nil, 0, ErrIncomplete
	}
	end := etx + 2 // exclusive end of the frame
	if end-start > MaxFrameSize {
		return nil, end, ErrFrameTooLarge
	}

	if LRC(buf[start:etx+1]) != buf[etx+1] {
		return nil, end, ErrChecksum
	}

	payload := buf[start+1 : etx]
	if !utf8.Valid(payload) {
		return nil, end, ErrInvalidPayload
	}

	return strings.Split(string(payload), string(SEP)), end, nil
}

// ============================================================================
// STREAM SCANNER
// ============================================================================

// Scanner drains frames from an io.Reader, retaining partial input between
// calls. It is what agent-side clients and tests use; the server dispatcher
// manages its own buffer so read deadlines stay under its control.
type Scanner struct {
	r   io.Reader
	buf []byte
}

// NewScanner wraps r in a frame scanner.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: r}
}

// Next blocks until one complete frame is available and returns its fields.
// Corrupt frames surface their decode error; io errors (including EOF) pass
// through from the reader.
func (s *Scanner) Next() ([]string, error) {
	for {
		fields, n, err := Decode(s.buf)
		if err == nil {
			s.buf = s.buf[n:]
			return fields, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			s.buf = s.buf[n:]
			return nil, err
		}

		chunk := make([]byte, 1024)
		r, rerr := s.r.Read(chunk)
		if r > 0 {
			s.buf = append(s.buf, chunk[:r]...)
			continue
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

// ============================================================================
// NUMERIC FIELD HELPERS
// ============================================================================

// Numeric wire fields are decimal text. FormatNumber renders the minimal
// form ("10", "40.5"); FormatAmount renders money with two decimals
// ("3.00"). ParseNumber is the inverse used by the dispatcher.

func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func FormatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func ParseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric field %q: %w", s, err)
	}
	return v, nil
}
