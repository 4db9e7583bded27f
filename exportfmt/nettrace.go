package exportfmt

import (
	"fmt"

	"github.com/microsoft/one-collect-sub000/export"
)

const nettraceMagic = "Nettrace"
const fastSerializationTag = "!FastSerialization.1"
const nettraceNullRefTag = 0x01

// blockHeaderSize is the fixed MetadataBlock/EventBlock header: u16 header-size,
// u16 flags, u64 min-timestamp, u64 max-timestamp.
const blockHeaderSize = 20
const blockFlagCompressed = 1

// NettraceWriter renders an export.Machine as a nettrace
// ("FastSerialization") container per spec section 6.
type NettraceWriter struct {
	PointerSize         int
	CPUCount            int
	NanosBetweenSamples uint64
}

func (w NettraceWriter) Write(m *export.Machine, pids func(int) bool) ([]byte, error) {
	startWall, startMono, endMono, ok := m.Anchors()
	if !ok {
		return nil, fmt.Errorf("nettrace: machine has no start/end anchors")
	}

	e := &bufEncoder{}
	e.bytes([]byte(nettraceMagic))
	e.u32(uint32(len(fastSerializationTag)))
	e.bytes([]byte(fastSerializationTag))

	e.lengthPrefixed(func(inner *bufEncoder) {
		inner.u64(startWall)
		inner.u64(startMono)
		inner.u32(uint32(w.PointerSize))
		inner.u32(uint32(w.CPUCount))
		inner.u64(w.NanosBetweenSamples)
	})

	allNames := append(append([]string{}, systemEventNames...), m.KindNames...)
	e.lengthPrefixed(func(inner *bufEncoder) {
		inner.u16(blockHeaderSize)
		inner.u16(blockFlagCompressed)
		inner.u64(startMono)
		inner.u64(endMono)
		for i, name := range allNames {
			inner.lengthPrefixed(func(rec *bufEncoder) {
				rec.varint(uint64(firstSystemMetadataID + i))
				rec.varint(uint64(len(name)))
				rec.bytes([]byte(name))
			})
		}
	})

	var events []export.Replay
	m.ReplayByTime(pids, func(r export.Replay) { events = append(events, r) })

	var encErr error
	e.lengthPrefixed(func(inner *bufEncoder) {
		inner.u16(blockHeaderSize)
		inner.u16(blockFlagCompressed)
		if len(events) > 0 {
			inner.u64(uint64(events[0].Time))
			inner.u64(uint64(events[len(events)-1].Time))
		} else {
			inner.u64(startMono)
			inner.u64(endMono)
		}

		prevTime := int64(startMono)
		for seq, ev := range events {
			name, payload, stackID, err := encodeReplayEvent(ev, m.KindNames)
			if err != nil {
				encErr = err
				return
			}
			metaID, err := metadataIDFor(name, m.KindNames)
			if err != nil {
				encErr = err
				return
			}

			inner.lengthPrefixed(func(rec *bufEncoder) {
				rec.varint(uint64(metaID))
				rec.varint(uint64(seq))
				rec.varint(0) // capture-thread: collector-owned, single-threaded
				rec.varint(uint64(procForReplay(ev)))
				rec.varint(uint64(threadForReplay(ev)))
				if stackID != 0 {
					rec.varint(stackID)
				}
				rec.svarint(ev.Time - prevTime)
				rec.varint(uint64(len(payload)))
				rec.bytes(payload)
			})
			prevTime = ev.Time
		}
	})
	if encErr != nil {
		return nil, encErr
	}

	e.u32(nettraceNullRefTag)
	return e.buf, nil
}

func procForReplay(ev export.Replay) int { return ev.PID }

func threadForReplay(ev export.Replay) int {
	if ev.Sample != nil {
		return ev.Sample.TID
	}
	return ev.PID
}

// encodeReplayEvent returns the system-event name (or sample kind name)
// and a small fixed payload for one replay transition.
func encodeReplayEvent(ev export.Replay, kindNames []string) (name string, payload []byte, stackID uint64, err error) {
	switch ev.Kind {
	case export.ReplayProcessCreate:
		return "ProcessCreate", nil, 0, nil
	case export.ReplayProcessExit:
		return "ProcessExit", nil, 0, nil
	case export.ReplayNewMapping:
		return "ProcessMapping", nil, 0, nil
	case export.ReplaySample:
		e := &bufEncoder{}
		e.u64(ev.Sample.IP)
		e.svarint(ev.Sample.Value)
		stackID = uint64(ev.Sample.CallstackID.TailSpan)
		if int(ev.Sample.Kind) >= len(kindNames) {
			return "", nil, 0, fmt.Errorf("nettrace: sample kind %d has no registered name", ev.Sample.Kind)
		}
		return kindNames[ev.Sample.Kind], e.buf, stackID, nil
	default:
		return "", nil, 0, fmt.Errorf("nettrace: unknown replay kind %d", ev.Kind)
	}
}
