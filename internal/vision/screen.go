package vision

import (
	"image"
	"time"
)

// ScreenConfig holds the screen adapter tunables. The editor region is the
// centred sub-rectangle, as fractions of the frame, where text entry is
// expected to land.
type ScreenConfig struct {
	EditorTop    float64
	EditorBottom float64
	EditorLeft   float64
	EditorRight  float64
}

// DefaultScreenConfig returns the calibrated editor region.
func DefaultScreenConfig() ScreenConfig {
	return ScreenConfig{EditorTop: 0.25, EditorBottom: 0.80, EditorLeft: 0.15, EditorRight: 0.85}
}

// Pixel-change thresholds and signature bounds for keyboard-driven text
// entry. Ratios are fractions of editor-region pixels changed beyond each
// luminance threshold.
const (
	threshLow  = 20
	threshMed  = 35
	threshHigh = 50

	sigSmallLowMin = 0.003
	sigSmallLowMax = 0.04
	sigSmallMedMax = 0.02

	sigFlowMedMin  = 0.005
	sigFlowMedMax  = 0.06
	sigFlowHighMax = 0.03

	exclLargeLow = 0.12
	exclLargeMed = 0.08
	exclSmallLow = 0.002

	localizeMinPixels = 100
	localizeRatio     = 3

	rhythmWindow  = 2 * time.Second
	rhythmMinObs  = 8
	rhythmVarMin  = 0.00002
	rhythmVarMax  = 0.002
	rhythmMeanMin = 0.003
	rhythmMeanMax = 0.06

	confirmFrames = 3
)

type changePoint struct {
	med float64
	at  time.Time
}

// ScreenDetector detects keyboard-driven text entry from inter-frame pixel
// change in the editor region, rejecting scrolls, window switches and
// cursor-only blinks. Stateful through short rolling buffers only; call
// Analyze from a single goroutine.
type ScreenDetector struct {
	cfg ScreenConfig

	prev []byte
	cur  []byte
	diff []byte
	w, h int

	history     []changePoint
	consecutive int
}

// NewScreenDetector creates a detector with the given editor region.
func NewScreenDetector(cfg ScreenConfig) *ScreenDetector {
	return &ScreenDetector{cfg: cfg}
}

// Reset clears all cross-frame state.
func (d *ScreenDetector) Reset() {
	d.prev, d.cur, d.diff = nil, nil, nil
	d.w, d.h = 0, 0
	d.history = d.history[:0]
	d.consecutive = 0
}

// Analyze processes one screen frame captured at t. The returned Typing flag
// turns true only after confirmFrames consecutive candidate-positive frames.
func (d *ScreenDetector) Analyze(frame image.Image, t time.Time) ScreenObservation {
	var obs ScreenObservation

	b := frame.Bounds()
	fw, fh := b.Dx(), b.Dy()
	x0 := b.Min.X + int(float64(fw)*d.cfg.EditorLeft)
	x1 := b.Min.X + int(float64(fw)*d.cfg.EditorRight)
	y0 := b.Min.Y + int(float64(fh)*d.cfg.EditorTop)
	y1 := b.Min.Y + int(float64(fh)*d.cfg.EditorBottom)
	w, h := x1-x0, y1-y0
	if w <= 0 || h <= 0 {
		return obs
	}

	if d.prev == nil || w != d.w || h != d.h {
		d.w, d.h = w, h
		n := w * h
		d.prev = make([]byte, n)
		d.cur = make([]byte, n)
		d.diff = make([]byte, n)
		luminance(frame, x0, y0, w, h, d.prev)
		return obs
	}

	luminance(frame, x0, y0, w, h, d.cur)

	for i := range d.cur {
		v := int(d.cur[i]) - int(d.prev[i])
		if v < 0 {
			v = -v
		}
		d.diff[i] = byte(v)
	}
	boxBlur5(d.diff, w, h)

	total := w * h
	var lowPixels, medPixels, highPixels int
	for _, v := range d.diff {
		if v > threshLow {
			lowPixels++
			if v > threshMed {
				medPixels++
				if v > threshHigh {
					highPixels++
				}
			}
		}
	}
	obs.LowRatio = float64(lowPixels) / float64(total)
	obs.MedRatio = float64(medPixels) / float64(total)
	obs.HighRatio = float64(highPixels) / float64(total)

	sigSmall := obs.LowRatio > sigSmallLowMin && obs.LowRatio < sigSmallLowMax && obs.MedRatio < sigSmallMedMax
	sigFlow := obs.MedRatio > sigFlowMedMin && obs.MedRatio < sigFlowMedMax && obs.HighRatio < sigFlowHighMax
	tooLarge := obs.LowRatio > exclLargeLow || obs.MedRatio > exclLargeMed
	tooSmall := obs.LowRatio < exclSmallLow

	obs.Localized = d.localized(lowPixels, w, h)

	d.history = append(d.history, changePoint{med: obs.MedRatio, at: t})
	d.pruneHistory(t)
	obs.Rhythm = d.hasRhythm()

	obs.Candidate = (sigSmall || sigFlow) &&
		!tooLarge && !tooSmall &&
		obs.Localized &&
		(obs.Rhythm || d.consecutive >= 2)

	if obs.Candidate {
		d.consecutive++
	} else if d.consecutive > 0 {
		d.consecutive--
	}
	obs.Consecutive = d.consecutive
	obs.Typing = obs.Candidate && d.consecutive >= confirmFrames

	d.prev, d.cur = d.cur, d.prev
	return obs
}

// localized tests that the changed pixels concentrate in one or two
// quadrants: typing lands where the caret is, scrolls and mouse sweeps
// spread across the whole region.
func (d *ScreenDetector) localized(lowPixels, w, h int) bool {
	if lowPixels <= localizeMinPixels {
		return false
	}
	midW, midH := w/2, h/2
	var quads [4]int
	for y := 0; y < h; y++ {
		row := d.diff[y*w : y*w+w]
		qrow := 0
		if y >= midH {
			qrow = 2
		}
		for x := 0; x < w; x++ {
			if row[x] > threshLow {
				q := qrow
				if x >= midW {
					q++
				}
				quads[q]++
			}
		}
	}
	maxQ, minQ := quads[0], quads[0]
	for _, q := range quads[1:] {
		if q > maxQ {
			maxQ = q
		}
		if q < minQ {
			minQ = q
		}
	}
	if minQ == 0 {
		return true
	}
	return maxQ > localizeRatio*minQ
}

func (d *ScreenDetector) pruneHistory(now time.Time) {
	cutoff := now.Add(-rhythmWindow)
	i := 0
	for i < len(d.history) && !d.history[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		d.history = append(d.history[:0], d.history[i:]...)
	}
}

// hasRhythm tests the med-ratio series over the rhythm window for the
// moderate variance and mean characteristic of keystroke bursts.
func (d *ScreenDetector) hasRhythm() bool {
	n := len(d.history)
	if n < rhythmMinObs {
		return false
	}
	var sum float64
	for _, c := range d.history {
		sum += c.med
	}
	mean := sum / float64(n)

	var sq float64
	for _, c := range d.history {
		dev := c.med - mean
		sq += dev * dev
	}
	variance := sq / float64(n)

	return variance > rhythmVarMin && variance < rhythmVarMax &&
		mean > rhythmMeanMin && mean < rhythmMeanMax
}

// luminance extracts the editor sub-rectangle as 8-bit luma using integer
// BT.601 weights.
func luminance(frame image.Image, x0, y0, w, h int, dst []byte) {
	switch img := frame.(type) {
	case *image.RGBA:
		for y := 0; y < h; y++ {
			off := img.PixOffset(x0, y0+y)
			row := img.Pix[off : off+w*4]
			for x := 0; x < w; x++ {
				i := x * 4
				r, g, b := row[i], row[i+1], row[i+2]
				dst[y*w+x] = byte((77*uint32(r) + 150*uint32(g) + 29*uint32(b)) >> 8)
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			off := img.PixOffset(x0, y0+y)
			copy(dst[y*w:y*w+w], img.Pix[off:off+w])
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := frame.At(x0+x, y0+y).RGBA()
				dst[y*w+x] = byte((77*(r>>8) + 150*(g>>8) + 29*(b>>8)) >> 8)
			}
		}
	}
}

// boxBlur5 smooths the diff in place with a separable 5x5 box filter,
// clamping at the edges. An approximation of the reference Gaussian that
// keeps the ratio thresholds meaningful.
func boxBlur5(pix []byte, w, h int) {
	tmp := make([]uint16, len(pix))

	// Horizontal pass.
	for y := 0; y < h; y++ {
		row := pix[y*w : y*w+w]
		out := tmp[y*w : y*w+w]
		for x := 0; x < w; x++ {
			var sum, cnt uint32
			for k := -2; k <= 2; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				sum += uint32(row[xx])
				cnt++
			}
			out[x] = uint16(sum / cnt)
		}
	}

	// Vertical pass.
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			var sum, cnt uint32
			for k := -2; k <= 2; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				sum += uint32(tmp[yy*w+x])
				cnt++
			}
			pix[y*w+x] = byte(sum / cnt)
		}
	}
}
