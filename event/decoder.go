package event

import (
	"encoding/binary"
	"unicode/utf16"
	"unicode/utf8"
)

// Data resolves ref against bytes and returns the field's slice, per spec
// section 4.2's location-kind rules. The returned slice aliases bytes.
func (s *Schema) Data(ref FieldRef, bytes []byte) []byte {
	return dataFor(s.fields[ref], bytes)
}

func dataFor(f Field, bytes []byte) []byte {
	switch f.Location {
	case Static:
		return staticSlice(bytes, f.Offset, f.Size)

	case StaticCString:
		return scanCString(bytes, f.Offset)

	case StaticUTF16NulString:
		return scanUTF16String(bytes, f.Offset)

	case DynRelative:
		return resolveLoc(bytes, f.Offset, true)

	case DynAbsolute:
		return resolveLoc(bytes, f.Offset, false)

	default:
		return nil
	}
}

// staticSlice returns bytes[off:off+size], or an empty slice if that range
// is out of bounds, per spec section 4.2's Static rule.
func staticSlice(bytes []byte, off, size int) []byte {
	if off < 0 || size < 0 || off+size > len(bytes) || off > len(bytes) {
		return nil
	}
	return bytes[off : off+size]
}

// scanCString scans from off up to (not including) the first zero byte.
func scanCString(bytes []byte, off int) []byte {
	if off < 0 || off > len(bytes) {
		return nil
	}
	for i := off; i < len(bytes); i++ {
		if bytes[i] == 0 {
			return bytes[off:i]
		}
	}
	return bytes[off:]
}

// scanUTF16String scans 2-byte native-endian pairs from off until a (0,0)
// pair, returning the bytes up to (not including) the terminator.
func scanUTF16String(bytes []byte, off int) []byte {
	if off < 0 || off > len(bytes) {
		return nil
	}
	i := off
	for i+1 < len(bytes) {
		if bytes[i] == 0 && bytes[i+1] == 0 {
			return bytes[off:i]
		}
		i += 2
	}
	return bytes[off:]
}

// resolveLoc reads a 32-bit locator at off whose low 16 bits are an offset
// and whose high 16 bits are a length, per spec section 4.2's Dyn* rules.
// For relative locators the offset is relative to the end of the locator
// itself (off+4); for absolute locators it is relative to the start of
// bytes.
func resolveLoc(bytes []byte, off int, relative bool) []byte {
	if off < 0 || off+4 > len(bytes) {
		return nil
	}
	raw := binary.LittleEndian.Uint32(bytes[off:])
	locOff := int(uint16(raw))
	length := int(raw >> 16)

	base := 0
	if relative {
		base = off + 4
	}
	start := base + locOff
	end := start + length
	if start < 0 || end < start || end > len(bytes) {
		return nil
	}
	return bytes[start:end]
}

// GetU16 reads a native-endian uint16 from the field resolved by ref.
func (s *Schema) GetU16(ref FieldRef, bytes []byte) (uint16, error) {
	d := s.Data(ref, bytes)
	if len(d) < 2 {
		return 0, DecodeError("field %q: need 2 bytes, have %d", s.fields[ref].Name, len(d))
	}
	return binary.LittleEndian.Uint16(d), nil
}

// GetU32 reads a native-endian uint32 from the field resolved by ref.
func (s *Schema) GetU32(ref FieldRef, bytes []byte) (uint32, error) {
	d := s.Data(ref, bytes)
	if len(d) < 4 {
		return 0, DecodeError("field %q: need 4 bytes, have %d", s.fields[ref].Name, len(d))
	}
	return binary.LittleEndian.Uint32(d), nil
}

// GetU64 reads a native-endian uint64 from the field resolved by ref.
func (s *Schema) GetU64(ref FieldRef, bytes []byte) (uint64, error) {
	d := s.Data(ref, bytes)
	if len(d) < 8 {
		return 0, DecodeError("field %q: need 8 bytes, have %d", s.fields[ref].Name, len(d))
	}
	return binary.LittleEndian.Uint64(d), nil
}

// GetString decodes the field resolved by ref as UTF-8 (for StaticCString
// and dynamic string fields) and validates it.
func (s *Schema) GetString(ref FieldRef, bytes []byte) (string, error) {
	d := s.Data(ref, bytes)
	if !utf8.Valid(d) {
		return "", DecodeError("field %q: invalid UTF-8", s.fields[ref].Name)
	}
	return string(d), nil
}

// GetUTF16String decodes the field resolved by ref as a sequence of
// native-endian UTF-16 code units and converts it to a UTF-8 string.
func (s *Schema) GetUTF16String(ref FieldRef, bytes []byte) (string, error) {
	d := s.Data(ref, bytes)
	if len(d)%2 != 0 {
		return "", DecodeError("field %q: odd-length UTF-16 data", s.fields[ref].Name)
	}
	units := make([]uint16, len(d)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(d[i*2:])
	}
	return string(utf16.Decode(units)), nil
}
