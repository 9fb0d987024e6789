// Package vision wraps the per-frame vision analyses: the camera adapter
// (face count + hand-landmark typing score) and the screen adapter
// (pixel-change typing detection). Adapters own only short rolling buffers
// and are replaceable without touching the smoothing or fusion layers.
package vision

import (
	"errors"
	"image"
)

// ErrPrimitiveUnavailable is returned when no face or hand primitive
// implementation has been registered on this build.
var ErrPrimitiveUnavailable = errors.New("vision primitive unavailable")

// Landmark is a normalised hand landmark in frame coordinates [0,1].
type Landmark struct {
	X, Y, Z float64
}

// Hand landmark indices, following the standard 21-point hand model.
const (
	LandmarkWrist     = 0
	LandmarkThumbTip  = 4
	LandmarkIndexTip  = 8
	LandmarkMiddleTip = 12
	LandmarkPalmBase  = 9
	LandmarkRingTip   = 16
	LandmarkPinkyTip  = 20
	landmarkCount     = 21
)

// Hand is one detected hand: 21 landmarks plus the detector's confidence.
type Hand struct {
	Landmarks  [landmarkCount]Landmark
	Confidence float64
}

// FacePrimitive counts visible faces in a camera frame. Implementations must
// be pure per frame: no cross-frame state observable by the caller.
type FacePrimitive interface {
	DetectFaces(frame image.Image) (int, error)
	Close() error
}

// HandPrimitive extracts per-hand landmarks from a camera frame.
type HandPrimitive interface {
	DetectHands(frame image.Image) ([]Hand, error)
	Close() error
}

var (
	faceFactory func() (FacePrimitive, error)
	handFactory func() (HandPrimitive, error)
)

// RegisterFacePrimitive installs the face primitive constructor. Called from
// an init() in the package providing the implementation.
func RegisterFacePrimitive(f func() (FacePrimitive, error)) { faceFactory = f }

// RegisterHandPrimitive installs the hand primitive constructor.
func RegisterHandPrimitive(f func() (HandPrimitive, error)) { handFactory = f }

// NewFacePrimitive constructs the registered face primitive, or returns
// ErrPrimitiveUnavailable. A session with an unavailable primitive runs
// degraded: the affected detections stay permanently false.
func NewFacePrimitive() (FacePrimitive, error) {
	if faceFactory == nil {
		return nil, ErrPrimitiveUnavailable
	}
	return faceFactory()
}

// NewHandPrimitive constructs the registered hand primitive, or returns
// ErrPrimitiveUnavailable.
func NewHandPrimitive() (HandPrimitive, error) {
	if handFactory == nil {
		return nil, ErrPrimitiveUnavailable
	}
	return handFactory()
}

// CameraObservation is the camera adapter's per-frame output.
type CameraObservation struct {
	FaceCount        int
	HandCount        int
	HandsVisible     bool
	HandsTyping      bool
	InTypingPosition bool
	TypingConfidence float64
}

// ScreenObservation is the screen adapter's per-frame output. Typing is the
// confirmed signal (consecutive-frame guard applied); the ratios are kept
// for evidence and tests.
type ScreenObservation struct {
	Typing      bool
	Candidate   bool
	LowRatio    float64
	MedRatio    float64
	HighRatio   float64
	Localized   bool
	Rhythm      bool
	Consecutive int
}
