package exportfmt

import (
	"bytes"
	"encoding/xml"
	"testing"

	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/stretchr/testify/require"
)

func sampleMachine(t *testing.T) *export.Machine {
	t.Helper()
	mach := machine.New()
	m := export.NewMachine()
	m.MarkStart(1_700_000_000_000_000_000, 1_000_000)
	m.MarkEnd(2_000_000)

	kind := m.KindID("cpu-clock")
	p := mach.EnsureProcess(42)
	mach.SetComm(42, 7)
	m.ObserveCreate(42, p, 1_000_000)
	m.IngestSample(42, 1_200_000, 5, 0, kind, 42, 0xdead, []uint64{0xdead, 0xbeef})
	m.ObserveExit(42, 1_500_000)
	return m
}

func TestNettraceWriterStructure(t *testing.T) {
	m := sampleMachine(t)
	w := NettraceWriter{PointerSize: 8, CPUCount: 4, NanosBetweenSamples: 1000}

	data, err := w.Write(m, nil)
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(data, []byte(nettraceMagic)))
	rest := data[len(nettraceMagic):]

	tagLen := uint32(rest[0]) | uint32(rest[1])<<8 | uint32(rest[2])<<16 | uint32(rest[3])<<24
	require.EqualValues(t, len(fastSerializationTag), tagLen)
	require.Equal(t, fastSerializationTag, string(rest[4:4+tagLen]))

	// Last 4 bytes must be the null-ref terminator.
	last4 := data[len(data)-4:]
	require.Equal(t, []byte{nettraceNullRefTag, 0, 0, 0}, last4)
}

func TestNettraceWriterRequiresAnchors(t *testing.T) {
	m := export.NewMachine()
	w := NettraceWriter{}
	_, err := w.Write(m, nil)
	require.Error(t, err)
}

func TestPerfViewXMLWriterWellFormed(t *testing.T) {
	m := sampleMachine(t)
	w := PerfViewXMLWriter{PointerSize: 8, CPUCount: 4}

	data, err := w.Write(m, nil)
	require.NoError(t, err)

	var trace xmlTrace
	require.NoError(t, xml.Unmarshal(data, &trace))
	require.NotEmpty(t, trace.EventSchemas)

	var sawCreate, sawSample, sawExit bool
	for _, ev := range trace.Events {
		switch ev.Kind {
		case "ProcessCreate":
			sawCreate = true
		case "cpu-clock":
			sawSample = true
			require.Equal(t, uint64(0xdead), ev.IP)
		case "ProcessExit":
			sawExit = true
		}
	}
	require.True(t, sawCreate)
	require.True(t, sawSample)
	require.True(t, sawExit)
}

func TestPerfViewXMLWriterRequiresAnchors(t *testing.T) {
	m := export.NewMachine()
	w := PerfViewXMLWriter{}
	_, err := w.Write(m, nil)
	require.Error(t, err)
}
