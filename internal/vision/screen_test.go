package vision

import (
	"image"
	"testing"
	"time"
)

var screenT0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// flatFrame is a uniform 200x200 screen. The default editor region covers
// x [30,170) × y [50,160), 15400 pixels.
func flatFrame(v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 200, 200))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// blockFrame is flatFrame(128) with a bright 16x16 block in the top-left
// quadrant of the editor region, mimicking a burst of typed characters.
func blockFrame(on bool) *image.Gray {
	img := flatFrame(128)
	if on {
		for y := 60; y < 76; y++ {
			for x := 40; x < 56; x++ {
				img.Pix[img.PixOffset(x, y)] = 255
			}
		}
	}
	return img
}

// seedRhythm installs a plausible 2-second med-ratio series so the rhythm
// gate holds regardless of how few frames the test feeds.
func seedRhythm(d *ScreenDetector, now time.Time) {
	d.history = d.history[:0]
	for i := 0; i < 8; i++ {
		med := 0.005
		if i%2 == 1 {
			med = 0.025
		}
		d.history = append(d.history, changePoint{med: med, at: now.Add(-1500*time.Millisecond + time.Duration(i)*150*time.Millisecond)})
	}
}

func TestFirstFrameOnlyPrimes(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	obs := d.Analyze(blockFrame(true), screenT0)
	if obs.Typing || obs.Candidate {
		t.Fatalf("first frame must not report typing, got %+v", obs)
	}
}

func TestTypingConfirmedOnlyAfterThreeConsecutiveCandidates(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(blockFrame(false), screenT0)

	for i := 1; i <= 3; i++ {
		now := screenT0.Add(time.Duration(i) * 100 * time.Millisecond)
		seedRhythm(d, now)
		obs := d.Analyze(blockFrame(i%2 == 1), now)

		if !obs.Candidate {
			t.Fatalf("frame %d: expected candidate, got %+v", i, obs)
		}
		if i < 3 && obs.Typing {
			t.Fatalf("frame %d: typing confirmed before 3 consecutive candidates", i)
		}
		if i == 3 && !obs.Typing {
			t.Fatalf("frame 3: typing not confirmed after 3 consecutive candidates: %+v", obs)
		}
	}
}

func TestScrollIsRejected(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(flatFrame(128), screenT0)

	// Uniform large change across the whole region, as a scroll or window
	// switch produces.
	for i := 1; i <= 6; i++ {
		now := screenT0.Add(time.Duration(i) * 100 * time.Millisecond)
		seedRhythm(d, now)
		v := uint8(128)
		if i%2 == 1 {
			v = 0
		}
		obs := d.Analyze(flatFrame(v), now)
		if obs.Candidate || obs.Typing {
			t.Fatalf("frame %d: scroll-like change accepted as typing: %+v", i, obs)
		}
	}
}

func TestCursorBlinkIsRejected(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(flatFrame(128), screenT0)

	for i := 1; i <= 6; i++ {
		now := screenT0.Add(time.Duration(i) * 100 * time.Millisecond)
		seedRhythm(d, now)
		img := flatFrame(128)
		if i%2 == 1 {
			img.Pix[img.PixOffset(100, 100)] = 255
		}
		obs := d.Analyze(img, now)
		if obs.Candidate || obs.Typing {
			t.Fatalf("frame %d: cursor-only change accepted as typing: %+v", i, obs)
		}
	}
}

func TestColdStartWithoutRhythmNeverCandidates(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(blockFrame(false), screenT0)

	// Perfect signature frames, but no rhythm history and consecutive
	// starts at zero: the candidate gate must stay closed.
	for i := 1; i <= 2; i++ {
		now := screenT0.Add(time.Duration(i) * time.Second * 3) // history stays pruned
		obs := d.Analyze(blockFrame(i%2 == 1), now)
		if obs.Candidate {
			t.Fatalf("frame %d: candidate without rhythm or prior activity", i)
		}
	}
}

func TestConsecutiveCounterDecaysSaturating(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(blockFrame(false), screenT0)

	now := screenT0
	for i := 1; i <= 3; i++ {
		now = now.Add(100 * time.Millisecond)
		seedRhythm(d, now)
		d.Analyze(blockFrame(i%2 == 1), now)
	}

	// Quiet frames: the counter decrements and must saturate at zero.
	last := ScreenObservation{}
	for i := 0; i < 6; i++ {
		now = now.Add(100 * time.Millisecond)
		last = d.Analyze(flatFrame(128), now)
		if i > 0 && last.Typing {
			t.Fatalf("typing still confirmed on quiet frame %d", i)
		}
	}
	if last.Consecutive != 0 {
		t.Fatalf("Consecutive = %d after quiet run, want 0", last.Consecutive)
	}
}

func TestResizeReprimesDetector(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(flatFrame(128), screenT0)

	big := image.NewGray(image.Rect(0, 0, 400, 400))
	obs := d.Analyze(big, screenT0.Add(100*time.Millisecond))
	if obs.Candidate || obs.Typing {
		t.Fatalf("resized frame must only re-prime, got %+v", obs)
	}
}

func TestHasRhythmBounds(t *testing.T) {
	tests := []struct {
		name string
		meds []float64
		want bool
	}{
		{"too few samples", []float64{0.01, 0.02, 0.01}, false},
		{"flat series has no variance", []float64{0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01, 0.01}, false},
		{"typing-like alternation", []float64{0.005, 0.025, 0.005, 0.025, 0.005, 0.025, 0.005, 0.025}, true},
		{"mean too large", []float64{0.05, 0.09, 0.05, 0.09, 0.05, 0.09, 0.05, 0.09}, false},
		{"wild swings", []float64{0.0, 0.2, 0.0, 0.2, 0.0, 0.2, 0.0, 0.2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewScreenDetector(DefaultScreenConfig())
			for i, m := range tt.meds {
				d.history = append(d.history, changePoint{med: m, at: screenT0.Add(time.Duration(i) * 100 * time.Millisecond)})
			}
			if got := d.hasRhythm(); got != tt.want {
				t.Fatalf("hasRhythm(%v) = %v, want %v", tt.meds, got, tt.want)
			}
		})
	}
}

func TestResetClearsState(t *testing.T) {
	d := NewScreenDetector(DefaultScreenConfig())
	d.Analyze(blockFrame(false), screenT0)
	seedRhythm(d, screenT0)
	d.consecutive = 5

	d.Reset()

	if d.prev != nil || len(d.history) != 0 || d.consecutive != 0 {
		t.Fatal("Reset() did not clear detector state")
	}
}
