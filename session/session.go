// Package session implements the session loop described in spec section
// 4.5: for each record pulled from a perfmerge.MergeSource, decode its
// header, walk the sample attribute mask in canonical order when it's a
// SAMPLE record (stashing each present attribute's payload span into a
// shared Ancillary object), dispatch RAW-tagged samples by event id or
// fixed-schema records (COMM/EXIT/FORK/MMAP2/LOST/LOST_SAMPLES) to
// registered callbacks, and enforce an inner-loop budget so a caller's
// should_stop predicate is consulted promptly.
//
// The dispatch-by-attribute-mask walk is grounded on the teacher's
// perffile/records.go decoding the same PERF_SAMPLE_* bit layout in the
// same canonical order (identifier, ip, tid, time, addr, id, stream_id,
// cpu, period, read, callchain, raw, regs_user, stack_user, ...) for
// post-hoc file records; this package runs the identical walk live,
// against merged ring records instead of a perf.data file.
package session

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/microsoft/one-collect-sub000/event"
	"github.com/microsoft/one-collect-sub000/onecollecterrors"
	"github.com/microsoft/one-collect-sub000/perfabi"
	"github.com/microsoft/one-collect-sub000/perfmerge"
)

// recordBudget is spec section 4.5's "≤100 records per more() check" inner
// budget: should_stop is re-consulted at least this often.
const recordBudget = 100

// SampleAttr names one PERF_SAMPLE_* slot of a decoded sample, in the
// canonical walk order spec section 4.5 names.
type SampleAttr int

const (
	AttrIdentifier SampleAttr = iota
	AttrIP
	AttrTID
	AttrTime
	AttrAddr
	AttrID
	AttrStreamID
	AttrCPU
	AttrPeriod
	AttrRead
	AttrCallchain
	AttrRaw
	AttrRegsUser
	AttrStackUser
	AttrStackUserDynSize
	numSampleAttrs
)

// SampleFields holds the payload span resolved for each present sample
// attribute of the record currently being dispatched. Spans alias the
// record's payload bytes and are only valid for the duration of the
// callback that observes them, mirroring event.Data's aliasing rule.
type SampleFields struct {
	spans [numSampleAttrs][]byte
}

// Span returns the payload bytes stashed for attr, or nil if attr was not
// present in the record's sample format.
func (f *SampleFields) Span(attr SampleAttr) []byte {
	return f.spans[attr]
}

func (f *SampleFields) reset() {
	for i := range f.spans {
		f.spans[i] = nil
	}
}

// Ancillary is the shared per-record object spec section 4.5 describes:
// "update a shared ancillary object (cpu, raw sample attributes) used by
// callbacks". A Loop updates it in place before every dispatch; its
// contents are only meaningful for the duration of the callback(s) that
// observe it.
type Ancillary struct {
	CPU        int
	RecordType perfabi.RecordType
	Fields     SampleFields
}

// Loop drains a perfmerge.MergeSource and dispatches its records to
// registered callbacks, per spec section 4.5.
type Loop struct {
	merge  *perfmerge.MergeSource
	format perfabi.SampleFormat

	// regsUserMask is the sample_regs_user bitmask the session's leader
	// rings were opened with, needed to size the PERF_SAMPLE_REGS_USER
	// span (one u64 per set bit) when format carries SampleFormatRegsUser.
	regsUserMask uint64

	callbacks *event.CallbackSet
	rawEvents map[uint16]*event.Schema
	fixed     map[perfabi.RecordType]*event.Schema

	// builtinSample is dispatched for SAMPLE records whose format has no
	// RAW attribute, per spec section 4.5: "When RAW is absent, dispatch
	// to the built-in profiling/cswitch events based on the source
	// type/config" — this Loop models one such source/config pair.
	builtinSample *event.Schema

	ancillary Ancillary
}

// New returns a Loop draining merge, whose SAMPLE records were all opened
// with the given sample format (the per-session PERF_SAMPLE_* mask shared
// by every leader ring merge feeds from) and, when format carries
// SampleFormatRegsUser, the regsUserMask the rings' sample_regs_user was
// set to.
func New(merge *perfmerge.MergeSource, format perfabi.SampleFormat, regsUserMask uint64) *Loop {
	return &Loop{
		merge:        merge,
		format:       format,
		regsUserMask: regsUserMask,
		callbacks:    event.NewCallbackSet(),
		rawEvents:    make(map[uint16]*event.Schema),
		fixed:        make(map[perfabi.RecordType]*event.Schema),
	}
}

// RegisterRawEvent associates a tracepoint-style raw event id (the first 2
// bytes of a RAW sample blob, per spec section 4.5) with schema, so that
// Dispatch fires schema's callbacks for matching samples.
func (l *Loop) RegisterRawEvent(id uint16, schema *event.Schema) {
	l.rawEvents[id] = schema
}

// RegisterFixedEvent associates one of the fixed internal record types
// (COMM/EXIT/FORK/MMAP2/LOST/LOST_SAMPLES) with the schema whose callbacks
// fire for it.
func (l *Loop) RegisterFixedEvent(rt perfabi.RecordType, schema *event.Schema) {
	l.fixed[rt] = schema
}

// SetBuiltinSample registers the schema dispatched for RAW-absent SAMPLE
// records.
func (l *Loop) SetBuiltinSample(schema *event.Schema) {
	l.builtinSample = schema
}

// Callbacks returns the CallbackSet callers register handlers against, by
// schema ID.
func (l *Loop) Callbacks() *event.CallbackSet {
	return l.callbacks
}

// Ancillary returns the Loop's shared per-record ancillary object. Its
// fields are only meaningful while a callback dispatched by this Loop is
// executing.
func (l *Loop) Ancillary() *Ancillary {
	return &l.ancillary
}

// Run drains merge until ctx is done, shouldStop reports true, or the
// merge source is permanently exhausted, dispatching every record along
// the way. Callback errors are collected and returned; a callback error
// never aborts the loop, per spec section 4.5's last paragraph.
func (l *Loop) Run(ctx context.Context, shouldStop func() bool) []error {
	var errs []error
	count := 0
	stopped := false

	stopCheck := func() bool {
		if stopped {
			return true
		}
		if ctx.Err() != nil {
			stopped = true
			return true
		}
		return false
	}

	err := l.merge.Pull(stopCheck, func(rec perfmerge.Record) {
		if stopped {
			return
		}
		errs = l.dispatch(rec, errs)

		count++
		if count >= recordBudget {
			count = 0
			if shouldStop() {
				stopped = true
			}
		}
	})
	if err != nil {
		errs = append(errs, err)
	}
	return errs
}

func decodeHeader(raw []byte) (perfabi.Header, bool) {
	if len(raw) < perfabi.HeaderSize {
		return perfabi.Header{}, false
	}
	return perfabi.Header{
		Type: perfabi.RecordType(binary.LittleEndian.Uint32(raw[0:4])),
		Misc: binary.LittleEndian.Uint16(raw[4:6]),
		Size: binary.LittleEndian.Uint16(raw[6:8]),
	}, true
}

// dispatch implements spec section 4.5 steps 1-2 for one merged record.
func (l *Loop) dispatch(rec perfmerge.Record, errs []error) []error {
	hdr, ok := decodeHeader(rec.Raw)
	if !ok {
		return append(errs, onecollecterrors.New(onecollecterrors.KindDecodeError, "session: record too short for header (%d bytes)", len(rec.Raw)))
	}

	l.ancillary.CPU = rec.CPU
	l.ancillary.RecordType = hdr.Type

	body := rec.Raw[perfabi.HeaderSize:]

	if hdr.Type == perfabi.RecordTypeSample {
		return l.dispatchSample(rec.Raw, body, errs)
	}
	return l.dispatchFixed(hdr.Type, rec.Raw, body, errs)
}

func (l *Loop) dispatchFixed(rt perfabi.RecordType, full, payload []byte, errs []error) []error {
	schema, ok := l.fixed[rt]
	if !ok {
		return errs
	}
	return l.callbacks.Dispatch(event.Data{FullRecord: full, Payload: payload, Schema: schema}, errs)
}

// dispatchSample walks the attribute mask in the canonical order named by
// spec section 4.5, stashing each present attribute's span into the
// shared Ancillary, then dispatches by event id (RAW present) or to the
// configured built-in event (RAW absent).
func (l *Loop) dispatchSample(full, body []byte, errs []error) []error {
	fields := &l.ancillary.Fields
	fields.reset()

	off := 0
	read8 := func() []byte {
		if off+8 > len(body) {
			off = len(body) + 1 // force every subsequent read to fail too
			return nil
		}
		s := body[off : off+8]
		off += 8
		return s
	}

	order := [...]struct {
		flag perfabi.SampleFormat
		attr SampleAttr
	}{
		{perfabi.SampleFormatIdentifier, AttrIdentifier},
		{perfabi.SampleFormatIP, AttrIP},
		{perfabi.SampleFormatTID, AttrTID},
		{perfabi.SampleFormatTime, AttrTime},
		{perfabi.SampleFormatAddr, AttrAddr},
		{perfabi.SampleFormatID, AttrID},
		{perfabi.SampleFormatStreamID, AttrStreamID},
		{perfabi.SampleFormatCPU, AttrCPU},
		{perfabi.SampleFormatPeriod, AttrPeriod},
	}
	for _, o := range order {
		if l.format&o.flag != 0 {
			fields.spans[o.attr] = read8()
		}
	}

	if l.format&perfabi.SampleFormatRead != 0 {
		fields.spans[AttrRead] = read8()
	}

	if l.format&perfabi.SampleFormatCallchain != 0 {
		if nrSpan := read8(); nrSpan != nil {
			nr := int(binary.LittleEndian.Uint64(nrSpan))
			size := nr * 8
			if size >= 0 && off+size <= len(body) {
				fields.spans[AttrCallchain] = body[off : off+size]
				off += size
			}
		}
	}

	var rawBlob []byte
	if l.format&perfabi.SampleFormatRaw != 0 {
		if off+4 <= len(body) {
			size := int(binary.LittleEndian.Uint32(body[off : off+4]))
			off += 4
			if size >= 0 && off+size <= len(body) {
				rawBlob = body[off : off+size]
				fields.spans[AttrRaw] = rawBlob
				off += size
			}
		}
	}

	// PERF_SAMPLE_BRANCH_STACK is never requested by this package's open
	// path (no Attr field sets it), so it is deliberately not decoded here;
	// a record carrying it would otherwise desync every span read after it.

	if l.format&perfabi.SampleFormatRegsUser != 0 {
		if off+8 <= len(body) {
			off += 8 // sample_regs_user's leading ABI word; unused here
			n := bits.OnesCount64(l.regsUserMask) * 8
			if n >= 0 && off+n <= len(body) {
				fields.spans[AttrRegsUser] = body[off : off+n]
				off += n
			}
		}
	}

	if l.format&perfabi.SampleFormatStackUser != 0 {
		if sizeSpan := read8(); sizeSpan != nil {
			size := int(binary.LittleEndian.Uint64(sizeSpan))
			if size >= 0 && off+size <= len(body) {
				fields.spans[AttrStackUser] = body[off : off+size]
				off += size
			}
			fields.spans[AttrStackUserDynSize] = read8()
		}
	}

	if rawBlob != nil {
		return l.dispatchRaw(full, rawBlob, errs)
	}
	return l.dispatchBuiltinSample(full, errs)
}

// dispatchRaw implements spec section 4.5's RAW path: the first 2 bytes
// of the raw blob are the event id, looked up in the id->event map; the
// matching schema's callbacks fire with (full_record, raw_payload_after_id).
func (l *Loop) dispatchRaw(full, raw []byte, errs []error) []error {
	if len(raw) < 2 {
		return append(errs, onecollecterrors.New(onecollecterrors.KindDecodeError, "session: RAW sample blob too short for event id (%d bytes)", len(raw)))
	}
	id := binary.LittleEndian.Uint16(raw[0:2])
	schema, ok := l.rawEvents[id]
	if !ok {
		return errs
	}
	return l.callbacks.Dispatch(event.Data{FullRecord: full, Payload: raw[2:], Schema: schema}, errs)
}

func (l *Loop) dispatchBuiltinSample(full []byte, errs []error) []error {
	if l.builtinSample == nil {
		return errs
	}
	return l.callbacks.Dispatch(event.Data{FullRecord: full, Payload: full[perfabi.HeaderSize:], Schema: l.builtinSample}, errs)
}
