// Package protocol implements the memcached binary wire protocol: the fixed
// 24-byte request/response header, the extras sections each opcode carries,
// and status code mapping.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	magicRequest  = 0x80
	magicResponse = 0x81

	// HeaderSize is the fixed size of every request and response header.
	HeaderSize = 24

	// MaxKeyLength is the longest key the server accepts, in bytes.
	MaxKeyLength = 250
)

type Opcode uint8

const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpQuit      Opcode = 0x07
	OpFlush     Opcode = 0x08
	OpGetQ      Opcode = 0x09
	OpNoop      Opcode = 0x0a
	OpVersion   Opcode = 0x0b
	OpGetK      Opcode = 0x0c
	OpGetKQ     Opcode = 0x0d
	OpAppend    Opcode = 0x0e
	OpPrepend   Opcode = 0x0f
	OpStat      Opcode = 0x10
	OpTouch     Opcode = 0x1c
	OpGAT       Opcode = 0x1d

	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22
)

type Status uint16

const (
	StatusOK             Status = 0x0000
	StatusKeyNotFound    Status = 0x0001
	StatusKeyExists      Status = 0x0002
	StatusValueTooLarge  Status = 0x0003
	StatusInvalidArgs    Status = 0x0004
	StatusItemNotStored  Status = 0x0005
	StatusNonNumeric     Status = 0x0006
	StatusAuthError      Status = 0x0020
	StatusAuthContinue   Status = 0x0021
	StatusUnknownCommand Status = 0x0081
	StatusOutOfMemory    Status = 0x0082
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusKeyNotFound:
		return "key not found"
	case StatusKeyExists:
		return "key exists"
	case StatusValueTooLarge:
		return "value too large"
	case StatusInvalidArgs:
		return "invalid arguments"
	case StatusItemNotStored:
		return "item not stored"
	case StatusNonNumeric:
		return "incr/decr on non-numeric value"
	case StatusAuthError:
		return "authentication error"
	case StatusAuthContinue:
		return "further authentication required"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusOutOfMemory:
		return "out of memory"
	}
	return fmt.Sprintf("status 0x%04x", uint16(s))
}

// Request is one binary protocol frame sent to the server. Extras, Key and
// Value are laid out in that order after the header.
type Request struct {
	Op     Opcode
	Key    []byte
	Extras []byte
	Value  []byte
	Opaque uint32
	CAS    uint64
}

// Response is one parsed binary protocol frame received from the server.
type Response struct {
	Op     Opcode
	Status Status
	Key    []byte
	Extras []byte
	Value  []byte
	Opaque uint32
	CAS    uint64
}

// Ok reports whether the server accepted the request.
func (r *Response) Ok() bool { return r.Status == StatusOK }

// Write encodes req and writes it to w. It performs exactly one Write call so
// a frame is never interleaved with another writer on the same socket.
func Write(w io.Writer, req *Request) error {
	if len(req.Key) > MaxKeyLength {
		return fmt.Errorf("protocol: key length %d exceeds %d", len(req.Key), MaxKeyLength)
	}
	if len(req.Extras) > 0xff {
		return fmt.Errorf("protocol: extras length %d exceeds 255", len(req.Extras))
	}

	body := len(req.Extras) + len(req.Key) + len(req.Value)
	buf := make([]byte, HeaderSize+body)

	buf[0] = magicRequest
	buf[1] = byte(req.Op)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(req.Key)))
	buf[4] = byte(len(req.Extras))
	// buf[5] data type, buf[6:8] vbucket: always zero
	binary.BigEndian.PutUint32(buf[8:], uint32(body))
	binary.BigEndian.PutUint32(buf[12:], req.Opaque)
	binary.BigEndian.PutUint64(buf[16:], req.CAS)

	n := HeaderSize
	n += copy(buf[n:], req.Extras)
	n += copy(buf[n:], req.Key)
	copy(buf[n:], req.Value)

	_, err := w.Write(buf)
	return err
}

// Read parses one response frame from r.
func Read(r io.Reader) (*Response, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != magicResponse {
		return nil, fmt.Errorf("protocol: bad response magic 0x%02x", hdr[0])
	}

	resp := &Response{
		Op:     Opcode(hdr[1]),
		Status: Status(binary.BigEndian.Uint16(hdr[6:])),
		Opaque: binary.BigEndian.Uint32(hdr[12:]),
		CAS:    binary.BigEndian.Uint64(hdr[16:]),
	}

	keyLen := int(binary.BigEndian.Uint16(hdr[2:]))
	extrasLen := int(hdr[4])
	bodyLen := int(binary.BigEndian.Uint32(hdr[8:]))
	if extrasLen+keyLen > bodyLen {
		return nil, fmt.Errorf("protocol: body length %d shorter than extras %d + key %d", bodyLen, extrasLen, keyLen)
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
		resp.Extras = body[:extrasLen]
		resp.Key = body[extrasLen : extrasLen+keyLen]
		resp.Value = body[extrasLen+keyLen:]
	}
	return resp, nil
}

// StoreExtras builds the extras section for set/add/replace: client flags
// followed by the expiry in seconds.
func StoreExtras(flags uint32, expiry uint32) []byte {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras, flags)
	binary.BigEndian.PutUint32(extras[4:], expiry)
	return extras
}

// NoAutoCreate as the counter expiry tells the server to report a miss
// instead of seeding the counter with the initial value.
const NoAutoCreate = 0xffffffff

// CounterExtras builds the extras section for increment/decrement.
func CounterExtras(delta, initial uint64, expiry uint32) []byte {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras, delta)
	binary.BigEndian.PutUint64(extras[8:], initial)
	binary.BigEndian.PutUint32(extras[16:], expiry)
	return extras
}

// TouchExtras builds the extras section for touch/gat.
func TouchExtras(expiry uint32) []byte {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)
	return extras
}

// FlushExtras builds the extras section for a delayed flush. A zero delay
// flushes immediately and carries no extras.
func FlushExtras(delay uint32) []byte {
	if delay == 0 {
		return nil
	}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, delay)
	return extras
}

// GetFlags extracts the client flags from a get/gat response. Responses
// without the 4-byte flags extras report zero flags.
func GetFlags(resp *Response) uint32 {
	if len(resp.Extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(resp.Extras)
}

// CounterValue extracts the new counter value from an incr/decr response.
func CounterValue(resp *Response) (uint64, error) {
	if len(resp.Value) != 8 {
		return 0, fmt.Errorf("protocol: counter response body is %d bytes, want 8", len(resp.Value))
	}
	return binary.BigEndian.Uint64(resp.Value), nil
}

// PlainAuth builds the SASL PLAIN authentication request.
func PlainAuth(username, password string) *Request {
	value := make([]byte, 0, len(username)+len(password)+2)
	value = append(value, 0)
	value = append(value, username...)
	value = append(value, 0)
	value = append(value, password...)
	return &Request{Op: OpSASLAuth, Key: []byte("PLAIN"), Value: value}
}
