package export

import "github.com/aclements/go-moremath/stats"

// ValueHistogram is a read-only post-pass summary of one kind's sample
// values, built after collection ends — spec section 4.8 names this
// alongside the other export machine post-processing, and SPEC_FULL.md's
// domain stack commitment wires go-moremath's stats package (the teacher's
// own cmd/memlat imports the same module for latency distributions) into
// the export path rather than hand-rolling percentile math.
type ValueHistogram struct {
	Kind   string
	Count  int
	Mean   float64
	StdDev float64
	P50    float64
	P95    float64
	P99    float64
}

// BuildValueHistograms computes one ValueHistogram per kind present in m's
// retained samples, across every retained process (live or exited).
func BuildValueHistograms(m *Machine) []ValueHistogram {
	byKind := make(map[uint32][]float64)
	for _, h := range m.histories {
		for _, s := range h.samples {
			byKind[s.Kind] = append(byKind[s.Kind], float64(s.Value))
		}
	}

	var out []ValueHistogram
	for kindID, values := range byKind {
		if len(values) == 0 {
			continue
		}
		sample := stats.Sample{Xs: values}
		name := "unknown"
		if int(kindID) < len(m.KindNames) {
			name = m.KindNames[kindID]
		}
		out = append(out, ValueHistogram{
			Kind:   name,
			Count:  len(values),
			Mean:   sample.Mean(),
			StdDev: sample.StdDev(),
			P50:    sample.Percentile(0.50),
			P95:    sample.Percentile(0.95),
			P99:    sample.Percentile(0.99),
		})
	}
	return out
}
