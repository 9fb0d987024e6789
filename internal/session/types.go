package session

import "time"

// Substream tags which frame source a message belongs to.
type Substream string

const (
	SubstreamCamera Substream = "camera"
	SubstreamScreen Substream = "screen"
)

// Kind names a violation category. Values are wire-visible.
type Kind string

const (
	KindGhostTyping     Kind = "GHOST_TYPING_DETECTED"
	KindNoFace          Kind = "NO_FACE_DETECTED"
	KindMultiplePersons Kind = "MULTIPLE_PERSONS"
	KindMultipleFaces   Kind = "MULTIPLE_FACES"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Risk is the coarse session-level classification computed at report time.
type Risk string

const (
	RiskLow    Risk = "LOW_RISK"
	RiskMedium Risk = "MEDIUM_RISK"
	RiskHigh   Risk = "HIGH_RISK"
)

// Scenario tags which fusion pattern produced a ghost-typing violation.
const (
	ScenarioHandsAbsent    = "hands_absent"
	ScenarioHandsNotTyping = "hands_not_typing"
)

// Sample is one camera-frame observation written into the rolling history.
// Samples are immutable once appended.
type Sample struct {
	Seq              uint64    `json:"seq"`
	At               time.Time `json:"at"`
	HandsVisible     bool      `json:"handsVisible"`
	HandsTyping      bool      `json:"handsTyping"`
	ScreenTyping     bool      `json:"screenTyping"`
	HandCount        int       `json:"handCount"`
	TypingConfidence float64   `json:"typingConfidence"`
}

// Violation is an immutable, timestamped observation about the examinee.
type Violation struct {
	Kind       Kind           `json:"type"`
	Severity   Severity       `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    string         `json:"details"`
	Confidence float64        `json:"confidence,omitempty"`
	Evidence   map[string]int `json:"evidence,omitempty"`
	Scenario   string         `json:"scenario,omitempty"`
}

// Breakdown summarises violation totals by the kinds the risk rules use.
type Breakdown struct {
	GhostTyping     int `json:"ghostTyping"`
	NoFace          int `json:"noFace"`
	MultiplePersons int `json:"multiplePersons"`
}

// Report is the final session summary persisted at session end.
type Report struct {
	SessionID             string         `json:"sessionId"`
	StudentID             string         `json:"studentId"`
	ExamID                string         `json:"examId"`
	DurationSeconds       float64        `json:"duration"`
	TotalViolations       int            `json:"totalViolations"`
	ViolationSummary      map[string]int `json:"violationSummary"`
	DetailedViolations    []Violation    `json:"detailedViolations"`
	RiskLevel             Risk           `json:"riskLevel"`
	FramesProcessed       uint64         `json:"framesProcessed"`
	ScreenFramesProcessed uint64         `json:"screenFramesProcessed"`
	Timestamp             time.Time      `json:"timestamp"`
	Breakdown             Breakdown      `json:"violationBreakdown"`
	Degraded              []string       `json:"degraded,omitempty"`
}
