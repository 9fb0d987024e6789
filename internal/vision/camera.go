package vision

import (
	"image"
	"math"
)

// CameraConfig holds the camera adapter tunables.
type CameraConfig struct {
	// TypingConfidence gates handsTyping. TypingPosition is the looser
	// "hand is in typing position" cut; the two are close but kept as
	// distinct tunables.
	TypingConfidence float64
	TypingPosition   float64
}

// DefaultCameraConfig returns the calibrated thresholds.
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{TypingConfidence: 0.40, TypingPosition: 0.30}
}

// CameraAdapter composes the face and hand primitives and derives the
// per-frame typing confidence from hand landmarks. Either primitive may be
// nil (degraded mode): its detections are reported as zero/false.
type CameraAdapter struct {
	cfg   CameraConfig
	faces FacePrimitive
	hands HandPrimitive
}

// NewCameraAdapter wires the adapter with the given primitives.
func NewCameraAdapter(cfg CameraConfig, faces FacePrimitive, hands HandPrimitive) *CameraAdapter {
	return &CameraAdapter{cfg: cfg, faces: faces, hands: hands}
}

// Analyze runs both primitives on one camera frame. Primitive errors surface
// to the caller, which logs once per kind and drops the frame.
func (a *CameraAdapter) Analyze(frame image.Image) (CameraObservation, error) {
	var obs CameraObservation

	if a.faces != nil {
		n, err := a.faces.DetectFaces(frame)
		if err != nil {
			return obs, err
		}
		obs.FaceCount = n
	}

	if a.hands == nil {
		return obs, nil
	}
	hands, err := a.hands.DetectHands(frame)
	if err != nil {
		return obs, err
	}

	obs.HandCount = len(hands)
	obs.HandsVisible = len(hands) > 0

	best := 0.0
	for _, h := range hands {
		if c := typingScore(h); c > best {
			best = c
		}
	}
	obs.TypingConfidence = best
	obs.HandsTyping = best > a.cfg.TypingConfidence
	obs.InTypingPosition = best > a.cfg.TypingPosition
	return obs, nil
}

// Close releases both primitives.
func (a *CameraAdapter) Close() {
	if a.faces != nil {
		a.faces.Close()
	}
	if a.hands != nil {
		a.hands.Close()
	}
}

// typingScore rates one hand's pose as a typing posture in [0,1]. Five
// weighted criteria over a 10-point scale, starting from a neutral 3.0:
//
//	wrist in the lower 60% of the frame        +2.5 / -1.0
//	>=2 non-thumb fingertips naturally curled  +2.0 (one: +1.0)
//	>=3 fingertips well above the wrist        -2.0 (waving/pointing) else +1.5
//	fingertips not collapsed onto the palm     +1.0 / -1.0 (fist)
//	wrist near horizontal centre               +0.5
func typingScore(h Hand) float64 {
	wrist := h.Landmarks[LandmarkWrist]
	palm := h.Landmarks[LandmarkPalmBase]
	tips := [4]Landmark{
		h.Landmarks[LandmarkIndexTip],
		h.Landmarks[LandmarkMiddleTip],
		h.Landmarks[LandmarkRingTip],
		h.Landmarks[LandmarkPinkyTip],
	}

	score := 3.0

	if wrist.Y > 0.4 && wrist.Y < 0.9 {
		score += 2.5
	} else {
		score -= 1.0
	}

	curled := 0
	for _, tip := range tips {
		d := math.Hypot(tip.X-palm.X, tip.Y-palm.Y)
		if d > 0.08 && d < 0.25 {
			curled++
		}
	}
	switch {
	case curled >= 2:
		score += 2.0
	case curled == 1:
		score += 1.0
	}

	up := 0
	for _, tip := range tips {
		if tip.Y < wrist.Y-0.12 {
			up++
		}
	}
	if up >= 3 {
		score -= 2.0
	} else {
		score += 1.5
	}

	fist := true
	for _, tip := range tips {
		if math.Hypot(tip.X-palm.X, tip.Y-palm.Y) >= 0.05 {
			fist = false
			break
		}
	}
	if fist {
		score -= 1.0
	} else {
		score += 1.0
	}

	if wrist.X > 0.3 && wrist.X < 0.7 {
		score += 0.5
	}

	return math.Max(0, math.Min(1, score/10.0))
}
