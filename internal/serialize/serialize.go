// Package serialize turns application values into wire payloads and back.
//
// Every stored item travels with a u32 flags word. The low byte records the
// value format, one bit above records whether the bytes were compressed after
// encoding. Decoding undoes the transforms in reverse order: decompress
// first, then decode the format.
package serialize

import (
	"fmt"
	"strconv"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
)

const (
	formatRaw uint32 = iota
	formatString
	formatInt
	formatUint
	formatBool
	formatNil
	formatJSON

	formatMask     uint32 = 0xff
	FlagCompressed uint32 = 1 << 8
)

// DefaultMaxValueBytes is the memcached default maximum item size.
const DefaultMaxValueBytes = 1 << 20

// DefaultCompressThreshold is the payload size at which compression kicks in
// when enabled.
const DefaultCompressThreshold = 4 * 1024

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MarshalError reports a value that cannot be encoded for storage.
type MarshalError struct {
	Value interface{}
	Err   error
}

func (e *MarshalError) Error() string {
	return fmt.Sprintf("serialize: cannot marshal %T: %v", e.Value, e.Err)
}

func (e *MarshalError) Unwrap() error { return e.Err }

// UnmarshalError reports stored bytes that do not match their flags. It is
// surfaced instead of returning corrupted data, which matters after an
// append/prepend mutated a non-raw item.
type UnmarshalError struct {
	Flags uint32
	Err   error
}

func (e *UnmarshalError) Error() string {
	return fmt.Sprintf("serialize: cannot decode value with flags 0x%x: %v", e.Flags, e.Err)
}

func (e *UnmarshalError) Unwrap() error { return e.Err }

// ValueTooLargeError is returned when the final payload, after any compression,
// exceeds the configured maximum item size.
type ValueTooLargeError struct {
	Size, Max int
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("serialize: value is %d bytes, server maximum is %d", e.Size, e.Max)
}

// Serializer encodes values for storage and decodes them on read.
type Serializer struct {
	// Compress enables the compression transform for payloads at or above
	// Threshold bytes.
	Compress  bool
	Threshold int
	// MaxBytes caps the final payload size. Zero means DefaultMaxValueBytes.
	MaxBytes int
}

// Options for a single Encode call.
type Options struct {
	// Raw bypasses the format switch; the value must be []byte or string and
	// is stored with zero format flags.
	Raw bool
	// ForceCompress compresses regardless of the size threshold.
	ForceCompress bool
}

// Encode turns value into payload bytes plus the flags word describing them.
func (s *Serializer) Encode(value interface{}, opts Options) ([]byte, uint32, error) {
	payload, flags, err := s.encode(value, opts.Raw)
	if err != nil {
		return nil, 0, err
	}

	if opts.ForceCompress || (s.Compress && len(payload) >= s.threshold()) {
		compressed := snappy.Encode(nil, payload)
		// Keep the smaller representation; incompressible data stays as-is.
		if len(compressed) < len(payload) || opts.ForceCompress {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	if max := s.maxBytes(); len(payload) > max {
		return nil, 0, &ValueTooLargeError{Size: len(payload), Max: max}
	}
	return payload, flags, nil
}

func (s *Serializer) encode(value interface{}, raw bool) ([]byte, uint32, error) {
	if raw {
		switch v := value.(type) {
		case []byte:
			return v, formatRaw, nil
		case string:
			return []byte(v), formatRaw, nil
		default:
			return nil, 0, &MarshalError{Value: value, Err: fmt.Errorf("raw mode requires []byte or string, got %T", value)}
		}
	}

	switch v := value.(type) {
	case nil:
		return nil, formatNil, nil
	case []byte:
		return v, formatRaw, nil
	case string:
		return []byte(v), formatString, nil
	case bool:
		return strconv.AppendBool(nil, v), formatBool, nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), formatInt, nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), formatInt, nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), formatInt, nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), formatInt, nil
	case int64:
		return strconv.AppendInt(nil, v, 10), formatInt, nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), formatUint, nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), formatUint, nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), formatUint, nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), formatUint, nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), formatUint, nil
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, 0, &MarshalError{Value: value, Err: err}
		}
		return encoded, formatJSON, nil
	}
}

// Decode reverses Encode given the payload and its flags.
func (s *Serializer) Decode(payload []byte, flags uint32) (interface{}, error) {
	if flags&FlagCompressed != 0 {
		decompressed, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, &UnmarshalError{Flags: flags, Err: err}
		}
		payload = decompressed
	}

	switch flags & formatMask {
	case formatRaw:
		return payload, nil
	case formatString:
		return string(payload), nil
	case formatBool:
		v, err := strconv.ParseBool(string(payload))
		if err != nil {
			return nil, &UnmarshalError{Flags: flags, Err: err}
		}
		return v, nil
	case formatInt:
		v, err := strconv.ParseInt(string(payload), 10, 64)
		if err != nil {
			return nil, &UnmarshalError{Flags: flags, Err: err}
		}
		return v, nil
	case formatUint:
		v, err := strconv.ParseUint(string(payload), 10, 64)
		if err != nil {
			return nil, &UnmarshalError{Flags: flags, Err: err}
		}
		return v, nil
	case formatNil:
		if len(payload) != 0 {
			return nil, &UnmarshalError{Flags: flags, Err: fmt.Errorf("nil value carries %d bytes", len(payload))}
		}
		return nil, nil
	case formatJSON:
		var v interface{}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, &UnmarshalError{Flags: flags, Err: err}
		}
		return v, nil
	default:
		return nil, &UnmarshalError{Flags: flags, Err: fmt.Errorf("unknown format %d", flags&formatMask)}
	}
}

func (s *Serializer) threshold() int {
	if s.Threshold <= 0 {
		return DefaultCompressThreshold
	}
	return s.Threshold
}

func (s *Serializer) maxBytes() int {
	if s.MaxBytes <= 0 {
		return DefaultMaxValueBytes
	}
	return s.MaxBytes
}
