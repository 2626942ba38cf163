package dsp

import (
	"errors"
	"fmt"
)

// Caller ID message and parameter types.
const (
	MsgTypeSDMF = 0x04
	MsgTypeMDMF = 0x80

	MDMFDateTime  = 0x01
	MDMFPhoneNum  = 0x02
	MDMFDDN       = 0x03
	MDMFNoNum     = 0x04
	MDMFPhoneName = 0x07
	MDMFNoName    = 0x08
)

var (
	ErrCallerIDChecksum = errors.New("caller id checksum mismatch")
	ErrCallerIDShort    = errors.New("caller id message truncated")
	ErrCallerIDType     = errors.New("unknown caller id message type")
)

// CallerID holds the fields carried by an on-hook caller ID burst.
type CallerID struct {
	DateTime string // MMDDHHMM
	Number   string
	Name     string
}

// reasonText maps an absence reason code to its display text.
func reasonText(b []byte) string {
	if len(b) > 0 && (b[0] == 'P' || b[0] == 'p') {
		return "private"
	}
	return "unknown"
}

// BuildMDMF frames the caller ID as an MDMF message with checksum. An empty
// number or name is sent as an "unavailable" absence parameter.
func BuildMDMF(cid CallerID) []byte {
	var body []byte
	add := func(typ byte, val string) {
		if len(val) > 255 {
			val = val[:255]
		}
		body = append(body, typ, byte(len(val)))
		body = append(body, val...)
	}

	if cid.DateTime != "" {
		add(MDMFDateTime, cid.DateTime)
	}
	switch cid.Number {
	case "":
		add(MDMFNoNum, "O")
	case "private":
		add(MDMFNoNum, "P")
	default:
		add(MDMFPhoneNum, cid.Number)
	}
	switch cid.Name {
	case "":
		add(MDMFNoName, "O")
	case "private":
		add(MDMFNoName, "P")
	default:
		add(MDMFPhoneName, cid.Name)
	}

	msg := append([]byte{MsgTypeMDMF, byte(len(body))}, body...)
	return append(msg, checksum(msg))
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return -sum
}

// MessageComplete reports whether buf holds a whole message, returning its
// framed length.
func MessageComplete(buf []byte) (int, bool) {
	if len(buf) < 2 {
		return 0, false
	}
	n := 2 + int(buf[1]) + 1
	return n, len(buf) >= n
}

// ParseCallerID decodes an SDMF or MDMF message.
func ParseCallerID(msg []byte) (CallerID, error) {
	var cid CallerID
	n, ok := MessageComplete(msg)
	if !ok {
		return cid, ErrCallerIDShort
	}
	msg = msg[:n]
	if checksum(msg[:n-1]) != msg[n-1] {
		return cid, ErrCallerIDChecksum
	}
	body := msg[2 : n-1]

	switch msg[0] {
	case MsgTypeSDMF:
		if len(body) < 8 {
			return cid, ErrCallerIDShort
		}
		cid.DateTime = string(body[:8])
		num := body[8:]
		if len(num) == 1 && (num[0] == 'P' || num[0] == 'O') {
			cid.Number = reasonText(num)
		} else {
			cid.Number = string(num)
		}
		return cid, nil

	case MsgTypeMDMF:
		for len(body) > 0 {
			if len(body) < 2 || len(body) < 2+int(body[1]) {
				return cid, fmt.Errorf("parameter 0x%02x: %w", body[0], ErrCallerIDShort)
			}
			typ, val := body[0], body[2:2+int(body[1])]
			switch typ {
			case MDMFDateTime:
				cid.DateTime = string(val)
			case MDMFPhoneNum, MDMFDDN:
				cid.Number = string(val)
			case MDMFNoNum:
				cid.Number = reasonText(val)
			case MDMFPhoneName:
				cid.Name = string(val)
			case MDMFNoName:
				cid.Name = reasonText(val)
			}
			body = body[2+len(val):]
		}
		return cid, nil
	}
	return cid, ErrCallerIDType
}

// CallerIDReceiver demodulates a caller ID burst and parses the message
// once all of its bytes have arrived.
type CallerIDReceiver struct {
	demod *FSKDemodulator
	buf   []byte
}

// NewCallerIDReceiver returns a receiver waiting for a burst.
func NewCallerIDReceiver() *CallerIDReceiver {
	return &CallerIDReceiver{demod: NewFSKDemodulator()}
}

// Feed consumes linear samples. It returns done once a complete message was
// received, with the parse result.
func (r *CallerIDReceiver) Feed(samples []int16) (cid CallerID, done bool, err error) {
	r.buf = r.demod.Demodulate(samples, r.buf)

	// Skip noise until a known message type leads the buffer.
	for len(r.buf) > 0 && r.buf[0] != MsgTypeMDMF && r.buf[0] != MsgTypeSDMF {
		r.buf = r.buf[1:]
	}
	if _, ok := MessageComplete(r.buf); !ok {
		return cid, false, nil
	}
	cid, err = ParseCallerID(r.buf)
	r.buf = r.buf[:0]
	return cid, true, err
}

// Reset discards any partial message.
func (r *CallerIDReceiver) Reset() {
	r.demod.Reset()
	r.buf = r.buf[:0]
}
