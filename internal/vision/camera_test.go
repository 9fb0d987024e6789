package vision

import (
	"errors"
	"image"
	"testing"
)

type fakeFaces struct {
	count int
	err   error
}

func (f *fakeFaces) DetectFaces(image.Image) (int, error) { return f.count, f.err }
func (f *fakeFaces) Close() error                         { return nil }

type fakeHands struct {
	hands []Hand
	err   error
}

func (f *fakeHands) DetectHands(image.Image) ([]Hand, error) { return f.hands, f.err }
func (f *fakeHands) Close() error                            { return nil }

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

// typingHand builds a natural typing pose: wrist low in the frame, fingers
// moderately curled toward the palm, nothing pointing up.
func typingHand() Hand {
	var h Hand
	h.Landmarks[LandmarkWrist] = Landmark{X: 0.5, Y: 0.7}
	h.Landmarks[LandmarkPalmBase] = Landmark{X: 0.5, Y: 0.65}
	h.Landmarks[LandmarkIndexTip] = Landmark{X: 0.40, Y: 0.75}
	h.Landmarks[LandmarkMiddleTip] = Landmark{X: 0.45, Y: 0.78}
	h.Landmarks[LandmarkRingTip] = Landmark{X: 0.55, Y: 0.78}
	h.Landmarks[LandmarkPinkyTip] = Landmark{X: 0.60, Y: 0.75}
	return h
}

// wavingHand builds a raised open hand: wrist high, all fingertips well
// above the wrist and extended away from the palm.
func wavingHand() Hand {
	var h Hand
	h.Landmarks[LandmarkWrist] = Landmark{X: 0.5, Y: 0.2}
	h.Landmarks[LandmarkPalmBase] = Landmark{X: 0.5, Y: 0.3}
	h.Landmarks[LandmarkIndexTip] = Landmark{X: 0.42, Y: 0.02}
	h.Landmarks[LandmarkMiddleTip] = Landmark{X: 0.47, Y: 0.01}
	h.Landmarks[LandmarkRingTip] = Landmark{X: 0.53, Y: 0.01}
	h.Landmarks[LandmarkPinkyTip] = Landmark{X: 0.58, Y: 0.03}
	return h
}

func TestTypingPoseScoresAboveThreshold(t *testing.T) {
	score := typingScore(typingHand())
	if score <= 0.40 {
		t.Fatalf("typing pose score = %v, want > 0.40", score)
	}
}

func TestWavingPoseScoresBelowPositionThreshold(t *testing.T) {
	score := typingScore(wavingHand())
	if score >= 0.30 {
		t.Fatalf("waving pose score = %v, want < 0.30", score)
	}
}

func TestAnalyzeReportsHandsAndFaces(t *testing.T) {
	a := NewCameraAdapter(DefaultCameraConfig(),
		&fakeFaces{count: 1},
		&fakeHands{hands: []Hand{typingHand()}})

	obs, err := a.Analyze(frame())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if obs.FaceCount != 1 {
		t.Errorf("FaceCount = %d, want 1", obs.FaceCount)
	}
	if !obs.HandsVisible || obs.HandCount != 1 {
		t.Errorf("HandsVisible/HandCount = %v/%d, want true/1", obs.HandsVisible, obs.HandCount)
	}
	if !obs.HandsTyping {
		t.Errorf("HandsTyping = false for typing pose (confidence %v)", obs.TypingConfidence)
	}
	if !obs.InTypingPosition {
		t.Errorf("InTypingPosition = false for typing pose")
	}
}

func TestAnalyzeTakesBestHand(t *testing.T) {
	a := NewCameraAdapter(DefaultCameraConfig(),
		&fakeFaces{count: 1},
		&fakeHands{hands: []Hand{wavingHand(), typingHand()}})

	obs, err := a.Analyze(frame())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if obs.HandCount != 2 {
		t.Errorf("HandCount = %d, want 2", obs.HandCount)
	}
	if !obs.HandsTyping {
		t.Error("HandsTyping should follow the best-scoring hand")
	}
}

func TestAnalyzeNoHands(t *testing.T) {
	a := NewCameraAdapter(DefaultCameraConfig(), &fakeFaces{count: 1}, &fakeHands{})

	obs, err := a.Analyze(frame())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if obs.HandsVisible || obs.HandsTyping || obs.TypingConfidence != 0 {
		t.Fatalf("expected neutral observation without hands, got %+v", obs)
	}
}

func TestAnalyzeDegradedPrimitivesStayFalse(t *testing.T) {
	a := NewCameraAdapter(DefaultCameraConfig(), nil, nil)

	obs, err := a.Analyze(frame())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if obs.FaceCount != 0 || obs.HandsVisible || obs.HandsTyping {
		t.Fatalf("degraded adapter must report zero detections, got %+v", obs)
	}
}

func TestAnalyzeSurfacesPrimitiveErrors(t *testing.T) {
	wantErr := errors.New("model fault")
	a := NewCameraAdapter(DefaultCameraConfig(), &fakeFaces{err: wantErr}, &fakeHands{})

	if _, err := a.Analyze(frame()); !errors.Is(err, wantErr) {
		t.Fatalf("Analyze error = %v, want %v", err, wantErr)
	}
}

func TestNewPrimitivesUnavailableByDefault(t *testing.T) {
	if faceFactory != nil || handFactory != nil {
		t.Skip("a primitive implementation is registered on this build")
	}
	if _, err := NewFacePrimitive(); !errors.Is(err, ErrPrimitiveUnavailable) {
		t.Fatalf("NewFacePrimitive error = %v, want ErrPrimitiveUnavailable", err)
	}
	if _, err := NewHandPrimitive(); !errors.Is(err, ErrPrimitiveUnavailable) {
		t.Fatalf("NewHandPrimitive error = %v, want ErrPrimitiveUnavailable", err)
	}
}
