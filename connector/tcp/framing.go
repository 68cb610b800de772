// Package tcp implements the TCP transport connectors: a receiver source
// accepting framed traffic in SERVER or CLIENT mode, a dispatcher destination
// with a keyed connection pool, MLLP / custom / raw framing, and HL7 ACK
// synthesis and validation.
package tcp

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// TransmissionMode selects how messages are delimited on the wire.
type TransmissionMode string

const (
	// ModeMLLP frames each payload between VT (0x0B) and FS CR (0x1C 0x0D).
	ModeMLLP TransmissionMode = "MLLP"
	// ModeFrame uses operator-supplied start and end byte sequences.
	ModeFrame TransmissionMode = "FRAME"
	// ModeRaw applies no framing; every buffered read is one message.
	ModeRaw TransmissionMode = "RAW"
)

const (
	mllpStartByte = 0x0B
	mllpEndByte   = 0x1C
	mllpTrailByte = 0x0D
)

// Framer frames and unframes payloads for one TransmissionMode. The zero
// value is not usable; build one with NewFramer.
type Framer struct {
	mode  TransmissionMode
	start []byte
	end   []byte
}

// NewFramer builds a Framer for |mode|. FRAME mode reads its delimiters from
// the hex-encoded |startHex| and |endHex| ("0B", "1C0D"); MLLP and RAW ignore
// them.
func NewFramer(mode TransmissionMode, startHex, endHex string) (*Framer, error) {
	switch mode {
	case ModeMLLP, "":
		return &Framer{
			mode:  ModeMLLP,
			start: []byte{mllpStartByte},
			end:   []byte{mllpEndByte, mllpTrailByte},
		}, nil
	case ModeRaw:
		return &Framer{mode: ModeRaw}, nil
	case ModeFrame:
		var start, err = parseHexBytes(startHex)
		if err != nil {
			return nil, fmt.Errorf("start of message bytes: %w", err)
		}
		end, err := parseHexBytes(endHex)
		if err != nil {
			return nil, fmt.Errorf("end of message bytes: %w", err)
		}
		if len(end) == 0 {
			return nil, fmt.Errorf("FRAME mode requires end of message bytes")
		}
		return &Framer{mode: ModeFrame, start: start, end: end}, nil
	default:
		return nil, fmt.Errorf("unknown transmission mode %q", mode)
	}
}

// parseHexBytes decodes delimiter configuration like "0B", "0x0B" or "1C0D".
func parseHexBytes(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "0x", "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return nil, nil
	}
	var b, err = hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

// Mode returns the framer's TransmissionMode.
func (f *Framer) Mode() TransmissionMode { return f.mode }

// Frame wraps |payload| in this mode's delimiters.
func (f *Framer) Frame(payload []byte) []byte {
	if f.mode == ModeRaw {
		return payload
	}
	var out = make([]byte, 0, len(f.start)+len(payload)+len(f.end))
	out = append(out, f.start...)
	out = append(out, payload...)
	return append(out, f.end...)
}

// HasCompleteFrame reports whether |buf| holds at least one complete frame,
// and the byte length of that frame including delimiters. Incomplete bytes
// stay in the buffer until more arrive.
func (f *Framer) HasCompleteFrame(buf []byte) (int, bool) {
	switch f.mode {
	case ModeRaw:
		if len(buf) == 0 {
			return 0, false
		}
		return len(buf), true
	default:
		var i = bytes.Index(buf, f.end)
		if i < 0 {
			return 0, false
		}
		return i + len(f.end), true
	}
}

// Unframe strips this mode's delimiters from one complete frame. A missing
// start sequence is tolerated; peers disagree on it more often than on the
// end sequence.
func (f *Framer) Unframe(frame []byte) ([]byte, error) {
	if f.mode == ModeRaw {
		return frame, nil
	}
	if !bytes.HasSuffix(frame, f.end) {
		return nil, fmt.Errorf("frame is missing its end sequence")
	}
	frame = frame[:len(frame)-len(f.end)]
	frame = bytes.TrimPrefix(frame, f.start)
	return frame, nil
}
