package export

import (
	"testing"

	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/stretchr/testify/require"
)

func TestIngestSampleInternsCallstack(t *testing.T) {
	m := NewMachine()
	kind := m.KindID("cpu-clock")

	s1 := m.IngestSample(100, 10, 1, 0, kind, 100, 0x1000, []uint64{0x1000, 0x2000, 0x3000})
	s2 := m.IngestSample(100, 20, 1, 0, kind, 100, 0x1000, []uint64{0x1000, 0x2000, 0x3000})

	require.Equal(t, s1.CallstackID, s2.CallstackID)
	require.Equal(t, kind, s1.Kind)
}

func TestSplitProcessesByComm(t *testing.T) {
	mach := machine.New()
	m := NewMachine()

	p1 := mach.EnsureProcess(1)
	mach.SetComm(1, 5)
	p2 := mach.EnsureProcess(2)
	mach.SetComm(2, 5)
	p3 := mach.EnsureProcess(3)

	m.ObserveCreate(1, p1, 0)
	m.ObserveCreate(2, p2, 0)
	m.ObserveCreate(3, p3, 0)

	split := m.SplitProcessesByComm()
	require.Equal(t, []int{1, 2}, split[5])
	require.Equal(t, []int{3}, split[0])
}

// TestPropertyP7 mirrors spec section 8 property P7: replay_by_time never
// emits a decreasing time, and ties break by ascending pid.
func TestPropertyP7(t *testing.T) {
	mach := machine.New()
	m := NewMachine()
	kind := m.KindID("sample")

	p2 := mach.EnsureProcess(2)
	p1 := mach.EnsureProcess(1)
	m.ObserveCreate(2, p2, 5)
	m.ObserveCreate(1, p1, 5) // same time as pid 2's create; pid 1 must come first

	m.IngestSample(1, 10, 0, 0, kind, 1, 0, nil)
	m.IngestSample(2, 8, 0, 0, kind, 2, 0, nil)
	m.ObserveExit(1, 20)
	m.ObserveExit(2, 15)

	var events []Replay
	m.ReplayByTime(nil, func(r Replay) { events = append(events, r) })

	for i := 1; i < len(events); i++ {
		require.LessOrEqualf(t, events[i-1].Time, events[i].Time, "replay time decreased at index %d", i)
	}

	// The two create events are tied at time 5; pid 1 must be emitted first.
	require.Equal(t, int64(5), events[0].Time)
	require.Equal(t, 1, events[0].PID)
	require.Equal(t, int64(5), events[1].Time)
	require.Equal(t, 2, events[1].PID)
}

func TestReplayRetainsExitedProcessHistory(t *testing.T) {
	mach := machine.New()
	m := NewMachine()
	p := mach.EnsureProcess(9)
	m.ObserveCreate(9, p, 0)
	mach.Exit(9)
	m.ObserveExit(9, 100)

	require.Nil(t, mach.Lookup(9))

	var sawExit bool
	m.ReplayByTime(nil, func(r Replay) {
		if r.Kind == ReplayProcessExit && r.PID == 9 {
			sawExit = true
		}
	})
	require.True(t, sawExit)
}

func TestBuildValueHistograms(t *testing.T) {
	m := NewMachine()
	kind := m.KindID("cpu-clock")
	for _, v := range []int64{10, 20, 30, 40, 50} {
		m.IngestSample(1, uint64(v), v, 0, kind, 1, 0, nil)
	}

	hists := BuildValueHistograms(m)
	require.Len(t, hists, 1)
	require.Equal(t, "cpu-clock", hists[0].Kind)
	require.Equal(t, 5, hists[0].Count)
	require.InDelta(t, 30.0, hists[0].Mean, 0.001)
}
