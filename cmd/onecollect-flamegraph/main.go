// Command onecollect-flamegraph runs a short live on-CPU collection and
// renders the hottest instruction pointers as a flamegraph PNG. Frames are
// resolved against kallsyms for kernel addresses and against each mapped
// file's DWARF function table for user addresses, falling back to the raw
// address when nothing resolves.
//
// The rasterization approach (load a system TTF via freetype, draw labelled
// bars into an image.NRGBA, encode to PNG) mirrors the teacher's
// cmd/memanim, the only tool in this tree that draws text onto a raster
// image rather than emitting SVG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io/ioutil"
	"log"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/golang/freetype"
	ximage "golang.org/x/image/draw"

	"github.com/microsoft/one-collect-sub000/config"
	"github.com/microsoft/one-collect-sub000/export"
	"github.com/microsoft/one-collect-sub000/livesession"
	"github.com/microsoft/one-collect-sub000/machine"
	"github.com/microsoft/one-collect-sub000/symbol"
)

const fontPath = "/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf"

var (
	flagDuration = flag.Duration("duration", 5*time.Second, "how long to sample on-CPU activity")
	flagOut      = flag.String("out", "flamegraph.png", "output PNG path")
	flagWidth    = flag.Int("width", 1600, "image width in pixels")
	flagPID      = flag.Int("pid", 0, "restrict collection to this pid (0 = all)")
	flagKallsyms = flag.String("kallsyms", "/proc/kallsyms", "path to a kallsyms-formatted symbol file for kernel addresses")
	flagScale    = flag.Float64("scale", 1.0, "output scale factor applied after rendering, e.g. 2 for a hi-dpi PNG")
)

func main() {
	flag.Parse()

	cfg := &config.Session{OnCPU: true, Live: true}
	if *flagPID != 0 {
		cfg.PIDs = []int{*flagPID}
	}

	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}

	sess, err := livesession.Open(cfg, cpus, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flagDuration)
	defer cancel()
	for _, e := range sess.Run(ctx, func() bool { return false }) {
		fmt.Fprintln(os.Stderr, e)
	}

	resolveSymbols(sess.Machine(), sess.Export(), *flagKallsyms)

	frames := collectFrames(sess.Export(), sess.Machine())
	if len(frames) == 0 {
		log.Fatal("no on-CPU samples were recorded")
	}

	img := render(frames, *flagWidth)
	if *flagScale != 1.0 {
		img = scaleImage(img, *flagScale)
	}
	if err := writePNG(*flagOut, img); err != nil {
		log.Fatal(err)
	}
}

// frame is one resolved, aggregated stack leaf: a symbol (or raw address)
// and the number of samples that landed on it.
type frame struct {
	label string
	count int
}

// resolveSymbols runs the symbol-resolution post-pass spec section 4.10
// describes: for every mapping touched by a recorded sample, merge in
// kallsyms entries (kernel) or the mapped file's DWARF function table
// (user), keyed against the unique sample IPs that fall in that mapping.
func resolveSymbols(m *machine.Machine, ex *export.Machine, kallsymsPath string) {
	kernelMappings := make(map[*machine.Mapping]bool)
	for _, mm := range m.Kernel().Mappings {
		kernelMappings[mm] = true
	}

	ipsByMapping := make(map[*machine.Mapping][]uint64)

	ex.ReplayByTime(nil, func(r export.Replay) {
		if r.Kind != export.ReplaySample || r.Sample.IP == 0 {
			return
		}
		mm := m.LookupMapping(r.PID, r.Sample.IP)
		if mm == nil {
			return
		}
		ipsByMapping[mm] = append(ipsByMapping[mm], r.Sample.IP)
	})

	nameID := func(s string) uint32 { return uint32(ex.Strings.ToID(s)) }

	for mm, ips := range ipsByMapping {
		var entries []symbol.Entry
		var err error
		var source string

		if kernelMappings[mm] {
			source = "kallsyms"
			err = symbol.MergeInto(symbol.NewKallsymsReader(kallsymsPath), &entries, ips, nameID)
		} else if mm.FilenameID != 0 {
			path, ferr := ex.Strings.FromID(mm.FilenameID)
			if ferr != nil || path == "" {
				continue
			}
			source = path
			err = symbol.MergeInto(symbol.NewELFReader(path), &entries, ips, nameID)
		} else {
			continue
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", source, err)
			continue
		}
		for _, e := range entries {
			mm.Symbols = append(mm.Symbols, machine.Symbol{Start: e.Start, End: e.End, NameID: e.NameID})
		}
	}
}

// collectFrames replays every recorded cpu-profile sample and aggregates it
// by resolved label, then orders the frames by descending sample count
// (the order render stacks them in); the relative order of frames with
// equal counts is not defined.
func collectFrames(ex *export.Machine, m *machine.Machine) []frame {
	kind := ex.KindID("cpu-profile")
	order := map[string]int{}
	var frames []frame

	ex.ReplayByTime(nil, func(r export.Replay) {
		if r.Kind != export.ReplaySample || r.Sample.Kind != kind {
			return
		}
		label := resolveLabel(m, ex, r.PID, r.Sample.IP)
		if i, ok := order[label]; ok {
			frames[i].count++
			return
		}
		order[label] = len(frames)
		frames = append(frames, frame{label: label, count: 1})
	})

	sort.Slice(frames, func(i, j int) bool { return frames[i].count > frames[j].count })
	return frames
}

func resolveLabel(m *machine.Machine, ex *export.Machine, pid int, ip uint64) string {
	mm := m.LookupMapping(pid, ip)
	if mm == nil {
		return fmt.Sprintf("0x%x", ip)
	}
	for _, sym := range mm.Symbols {
		if ip >= sym.Start && ip < sym.End {
			name, err := ex.Strings.FromID(sym.NameID)
			if err == nil {
				return name
			}
		}
	}
	return fmt.Sprintf("0x%x", ip)
}

const (
	rowHeight  = 22
	marginTop  = 30
	marginSide = 4
)

// render draws one bar per frame, width proportional to its sample count,
// stacked in descending-count order, with its label drawn over the bar.
func render(frames []frame, width int) *image.NRGBA {
	total := 0
	for _, f := range frames {
		total += f.count
	}

	height := marginTop + len(frames)*rowHeight
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.ZP, draw.Over)

	fontCtx := freetype.NewContext()
	fontCtx.SetSrc(image.Black)
	fontCtx.SetDst(img)
	fontCtx.SetClip(img.Bounds())
	fontCtx.SetFontSize(12)

	fontData, err := ioutil.ReadFile(fontPath)
	if err == nil {
		if fnt, err := freetype.ParseFont(fontData); err == nil {
			fontCtx.SetFont(fnt)
		}
	}

	usable := width - 2*marginSide
	for i, f := range frames {
		y0 := marginTop + i*rowHeight
		barWidth := usable
		if total > 0 {
			barWidth = f.count * usable / total
		}
		if barWidth < 1 {
			barWidth = 1
		}
		bar := image.Rect(marginSide, y0, marginSide+barWidth, y0+rowHeight-2)
		draw.Draw(img, bar, &image.Uniform{C: barColor(i)}, image.ZP, draw.Over)

		label := fmt.Sprintf("%s (%d)", f.label, f.count)
		fontCtx.DrawString(label, freetype.Pt(marginSide+4, y0+rowHeight-8))
	}

	fontCtx.DrawString(fmt.Sprintf("%d samples, %d distinct frames", total, len(frames)), freetype.Pt(marginSide, 16))

	return img
}

// scaleImage resizes img by factor using x/image/draw's CatmullRom kernel,
// used for -scale so a caller can export a hi-dpi PNG without re-rendering
// labels at a different font size.
func scaleImage(img *image.NRGBA, factor float64) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, int(float64(b.Dx())*factor), int(float64(b.Dy())*factor)))
	ximage.CatmullRom.Scale(dst, dst.Bounds(), img, b, ximage.Over, nil)
	return dst
}

func barColor(row int) color.NRGBA {
	// Alternate warm hues, loosely mimicking the usual flamegraph palette.
	hues := []color.NRGBA{
		{R: 237, G: 149, B: 63, A: 255},
		{R: 225, G: 110, B: 75, A: 255},
		{R: 240, G: 180, B: 90, A: 255},
	}
	return hues[row%len(hues)]
}

func writePNG(path string, img *image.NRGBA) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
