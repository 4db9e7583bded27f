package event

// DataFunc extracts one field's slice from payload bytes without needing
// the caller to re-resolve the schema. Per spec section 4.2, this is the
// "field-data closure" optimization for hot-path decoding.
type DataFunc func(payload []byte) []byte

// prefixStep is one step in the skip program built to reach a field that
// is preceded by variable-length fields in the schema's sequential layout.
type prefixStep struct {
	constBytes int // add this many bytes to the cursor
	skipCStr   bool
	skipUTF16  bool
}

// DataClosure returns a DataFunc for the named field.
//
// Fields are assumed to be laid out sequentially in declaration order (the
// TraceLogging-style packing used by ETW/user_events payloads): a field's
// actual start is the sum of the sizes of all preceding fields, where a
// preceding Static field contributes a known constant and a preceding
// StaticCString/StaticUTF16NulString field contributes a length that can
// only be known by scanning the payload. Dyn* fields use their own locator
// addressing and do not affect, or need, prefix accumulation.
//
// When every preceding field is Static (including the leading-field case
// of no preceding fields at all), the skip program reduces to a single
// constant and the closure captures a precomputed absolute offset with no
// per-call scanning. Otherwise the closure scans each skip descriptor in
// order at call time.
func (s *Schema) DataClosure(name string) (DataFunc, bool) {
	ref, ok := s.FieldRefByName(name)
	if !ok {
		return nil, false
	}
	return s.dataClosureForRef(ref), true
}

func (s *Schema) dataClosureForRef(ref FieldRef) DataFunc {
	steps := buildPrefix(s.fields[:ref])
	target := s.fields[ref]

	if allConst, n := constOffset(steps); allConst {
		// Leading or statically-positioned field: precomputed absolute
		// offset, no runtime scanning.
		abs := n + target.Offset
		return func(payload []byte) []byte {
			return dataFor(withOffset(target, abs), payload)
		}
	}

	return func(payload []byte) []byte {
		cursor := evalPrefix(steps, payload)
		if cursor < 0 {
			return nil
		}
		return dataFor(withOffset(target, cursor+target.Offset), payload)
	}
}

func withOffset(f Field, offset int) Field {
	f.Offset = offset
	return f
}

func buildPrefix(fields []Field) []prefixStep {
	steps := make([]prefixStep, 0, len(fields))
	for _, f := range fields {
		switch f.Location {
		case Static:
			steps = append(steps, prefixStep{constBytes: f.Size})
		case StaticCString:
			steps = append(steps, prefixStep{skipCStr: true})
		case StaticUTF16NulString:
			steps = append(steps, prefixStep{skipUTF16: true})
		default:
			// Dyn* fields don't occupy sequential space; they carry
			// their own locator and contribute nothing to the prefix.
		}
	}
	return steps
}

// constOffset reports whether every step is a constant (no scanning
// needed), returning their sum.
func constOffset(steps []prefixStep) (bool, int) {
	total := 0
	for _, st := range steps {
		if st.skipCStr || st.skipUTF16 {
			return false, 0
		}
		total += st.constBytes
	}
	return true, total
}

func evalPrefix(steps []prefixStep, payload []byte) int {
	cursor := 0
	for _, st := range steps {
		switch {
		case st.skipCStr:
			s := scanCString(payload, cursor)
			if s == nil {
				return -1
			}
			cursor += len(s) + 1 // + NUL terminator
		case st.skipUTF16:
			s := scanUTF16String(payload, cursor)
			if s == nil {
				return -1
			}
			cursor += len(s) + 2 // + (0,0) terminator
		default:
			cursor += st.constBytes
		}
	}
	return cursor
}
