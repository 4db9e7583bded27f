package exportfmt

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/microsoft/one-collect-sub000/export"
)

// PerfViewXMLWriter renders an export.Machine as PerfView-style XML: a
// header, a metadata block of event schemas, and a time-ordered event
// block, mirroring the same three-section shape as NettraceWriter but in
// an XML framing instead of FastSerialization's binary one.
type PerfViewXMLWriter struct {
	PointerSize int
	CPUCount    int
}

type xmlTrace struct {
	XMLName      xml.Name    `xml:"PerfViewTrace"`
	Header       xmlHeader   `xml:"Header"`
	EventSchemas []xmlSchema `xml:"EventSchemas>Event"`
	Events       []xmlEvent  `xml:"Events>Event"`
}

type xmlHeader struct {
	StartWallNs uint64 `xml:"StartWallNs,attr"`
	StartMonoNs uint64 `xml:"StartMonoNs,attr"`
	EndMonoNs   uint64 `xml:"EndMonoNs,attr"`
	PointerSize int    `xml:"PointerSize,attr"`
	CPUCount    int    `xml:"CPUCount,attr"`
}

type xmlSchema struct {
	ID   uint32 `xml:"ID,attr"`
	Name string `xml:"Name,attr"`
}

type xmlEvent struct {
	Time    int64  `xml:"Time,attr"`
	PID     int    `xml:"PID,attr"`
	TID     int    `xml:"TID,attr,omitempty"`
	Kind    string `xml:"Kind,attr"`
	IP      uint64 `xml:"IP,attr,omitempty"`
	Value   int64  `xml:"Value,attr,omitempty"`
	StackID uint64 `xml:"StackID,attr,omitempty"`
}

func (w PerfViewXMLWriter) Write(m *export.Machine, pids func(int) bool) ([]byte, error) {
	startWall, startMono, endMono, ok := m.Anchors()
	if !ok {
		return nil, fmt.Errorf("perfviewxml: machine has no start/end anchors")
	}

	trace := xmlTrace{
		Header: xmlHeader{
			StartWallNs: startWall,
			StartMonoNs: startMono,
			EndMonoNs:   endMono,
			PointerSize: w.PointerSize,
			CPUCount:    w.CPUCount,
		},
	}

	allNames := append(append([]string{}, systemEventNames...), m.KindNames...)
	for i, name := range allNames {
		trace.EventSchemas = append(trace.EventSchemas, xmlSchema{ID: uint32(firstSystemMetadataID + i), Name: name})
	}

	var replayErr error
	m.ReplayByTime(pids, func(r export.Replay) {
		if replayErr != nil {
			return
		}
		ev := xmlEvent{Time: r.Time, PID: r.PID}
		switch r.Kind {
		case export.ReplayProcessCreate:
			ev.Kind = "ProcessCreate"
		case export.ReplayProcessExit:
			ev.Kind = "ProcessExit"
		case export.ReplayNewMapping:
			ev.Kind = "ProcessMapping"
		case export.ReplaySample:
			if int(r.Sample.Kind) >= len(m.KindNames) {
				replayErr = fmt.Errorf("perfviewxml: sample kind %d has no registered name", r.Sample.Kind)
				return
			}
			ev.Kind = m.KindNames[r.Sample.Kind]
			ev.TID = r.Sample.TID
			ev.IP = r.Sample.IP
			ev.Value = r.Sample.Value
			ev.StackID = uint64(r.Sample.CallstackID.TailSpan)
		default:
			replayErr = fmt.Errorf("perfviewxml: unknown replay kind %d", r.Kind)
			return
		}
		trace.Events = append(trace.Events, ev)
	})
	if replayErr != nil {
		return nil, replayErr
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(trace); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
