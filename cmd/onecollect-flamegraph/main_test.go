package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/machine"
)

func TestResolveLabelFallsBackToHexAddress(t *testing.T) {
	m := machine.New()
	ex := export.NewMachine()
	require.Equal(t, "0x1000", resolveLabel(m, ex, 1, 0x1000))
}

func TestResolveLabelUsesMergedSymbol(t *testing.T) {
	m := machine.New()
	ex := export.NewMachine()
	m.EnsureProcess(1)
	mm := m.MmapExec(1, machine.MmapExecParams{Start: 0x1000, Len: 0x1000, Filename: "a.out"})
	mm.Symbols = append(mm.Symbols, machine.Symbol{Start: 0x1000, End: 0x1010, NameID: uint32(ex.Strings.ToID("main.work"))})

	require.Equal(t, "main.work", resolveLabel(m, ex, 1, 0x1008))
	require.Equal(t, "0x1500", resolveLabel(m, ex, 1, 0x1500))
}

func TestCollectFramesAggregatesByLabelAndSortsDescending(t *testing.T) {
	m := machine.New()
	ex := export.NewMachine()
	m.EnsureProcess(1)
	mm := m.MmapExec(1, machine.MmapExecParams{Start: 0x1000, Len: 0x1000, Filename: "a.out"})
	mm.Symbols = append(mm.Symbols,
		machine.Symbol{Start: 0x1000, End: 0x1010, NameID: uint32(ex.Strings.ToID("hot"))},
		machine.Symbol{Start: 0x1010, End: 0x1020, NameID: uint32(ex.Strings.ToID("cold"))},
	)

	kind := ex.KindID("cpu-profile")
	ex.IngestSample(1, 1, 1, 0, kind, 1, 0x1000, nil)
	ex.IngestSample(1, 2, 1, 0, kind, 1, 0x1000, nil)
	ex.IngestSample(1, 3, 1, 0, kind, 1, 0x1015, nil)

	frames := collectFrames(ex, m)
	require.Len(t, frames, 2)
	require.Equal(t, "hot", frames[0].label)
	require.Equal(t, 2, frames[0].count)
	require.Equal(t, "cold", frames[1].label)
	require.Equal(t, 1, frames[1].count)
}

func TestCollectFramesIgnoresOtherSampleKinds(t *testing.T) {
	m := machine.New()
	ex := export.NewMachine()
	other := ex.KindID("off-cpu")
	ex.IngestSample(1, 1, 1, 0, other, 1, 0x2000, nil)

	frames := collectFrames(ex, m)
	require.Empty(t, frames)
}

func TestRenderProducesOneRowPerFrame(t *testing.T) {
	frames := []frame{{label: "a", count: 3}, {label: "b", count: 1}}
	img := render(frames, 400)

	require.Equal(t, 400, img.Bounds().Dx())
	require.Equal(t, marginTop+len(frames)*rowHeight, img.Bounds().Dy())
}

func TestScaleImageResizesByFactor(t *testing.T) {
	img := render([]frame{{label: "a", count: 1}}, 200)
	scaled := scaleImage(img, 2.0)

	require.Equal(t, img.Bounds().Dx()*2, scaled.Bounds().Dx())
	require.Equal(t, img.Bounds().Dy()*2, scaled.Bounds().Dy())
}

func TestBarColorCyclesThroughPalette(t *testing.T) {
	require.Equal(t, barColor(0), barColor(3))
	require.NotEqual(t, barColor(0), barColor(1))
}
