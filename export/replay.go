package export

import "sort"

// ReplayKind distinguishes the transition kinds a Replay event can carry.
type ReplayKind int

const (
	ReplayProcessCreate ReplayKind = iota
	ReplayProcessExit
	ReplayNewMapping
	ReplaySample
)

// Replay is one emitted transition from ReplayByTime.
type Replay struct {
	Time int64
	PID  int
	Kind ReplayKind

	Mapping *MappingEvent
	Sample  *Sample
}

// replayHead tracks one process's position through its own time-sorted
// event stream during the merge.
type replayHead struct {
	pid    int
	events []Replay
	idx    int
}

// ReplayByTime implements spec section 4.8's replay_by_time: time-sorts
// each selected process's samples and mappings, then repeatedly selects
// the earliest unconsumed event across processes (ties broken by ascending
// pid) and invokes emit, until every process's stream is exhausted.
//
// predicate selects which pids participate; a nil predicate selects every
// known pid.
func (m *Machine) ReplayByTime(predicate func(pid int) bool, emit func(Replay)) {
	var heads []*replayHead
	for pid, h := range m.histories {
		if predicate != nil && !predicate(pid) {
			continue
		}
		heads = append(heads, &replayHead{pid: pid, events: buildEventStream(h)})
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].pid < heads[j].pid })

	for {
		best := -1
		var bestTime int64
		for i, h := range heads {
			if h.idx >= len(h.events) {
				continue
			}
			t := h.events[h.idx].Time
			if best == -1 || t < bestTime || (t == bestTime && h.pid < heads[best].pid) {
				best = i
				bestTime = t
			}
		}
		if best == -1 {
			return
		}
		h := heads[best]
		emit(h.events[h.idx])
		h.idx++
	}
}

// buildEventStream flattens one process's create/exit/mapping/sample
// history into a single time-sorted Replay slice.
func buildEventStream(h *processHistory) []Replay {
	var out []Replay
	if h.hasCreate {
		out = append(out, Replay{Time: int64(h.created), PID: h.pid, Kind: ReplayProcessCreate})
	}
	for i := range h.mappings {
		me := h.mappings[i]
		out = append(out, Replay{Time: int64(me.Time), PID: h.pid, Kind: ReplayNewMapping, Mapping: &me})
	}
	for i := range h.samples {
		s := h.samples[i]
		out = append(out, Replay{Time: int64(s.Time), PID: h.pid, Kind: ReplaySample, Sample: &s})
	}
	if h.hasExit {
		out = append(out, Replay{Time: int64(h.exited), PID: h.pid, Kind: ReplayProcessExit})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out
}
