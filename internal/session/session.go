// Package session holds per-examinee proctoring state: the rolling detection
// history, cooldown table and append-only violation log. A Session is owned
// by exactly one goroutine at a time (the session runner) and is not
// internally synchronised.
package session

import "time"

// reportTail is how many violations the final report repeats verbatim.
const reportTail = 20

// Session is the state for one examinee's proctoring connection.
type Session struct {
	ID        string
	StudentID string
	ExamID    string

	startedAt time.Time

	history []Sample // ring buffer, capacity fixed at construction
	head    int      // index of the oldest sample
	size    int
	nextSeq uint64

	cooldowns  map[Kind]time.Time
	emitCounts map[Kind]int
	violations []Violation

	framesProcessed       uint64
	screenFramesProcessed uint64

	degraded []string
}

// New creates a session with a history capacity of hist samples.
func New(id, studentID, examID string, hist int, startedAt time.Time) *Session {
	if hist < 1 {
		hist = 40
	}
	return &Session{
		ID:         id,
		StudentID:  studentID,
		ExamID:     examID,
		startedAt:  startedAt,
		history:    make([]Sample, hist),
		cooldowns:  make(map[Kind]time.Time),
		emitCounts: make(map[Kind]int),
	}
}

// NextSeq allocates the next strictly increasing sample sequence number.
func (s *Session) NextSeq() uint64 {
	s.nextSeq++
	return s.nextSeq
}

// Append writes one sample into the rolling history, evicting the oldest
// when full. Samples must carry increasing Seq values; out-of-order samples
// are dropped so the history invariant survives caller bugs.
func (s *Session) Append(sample Sample) bool {
	if s.size > 0 && sample.Seq <= s.latest().Seq {
		return false
	}
	idx := (s.head + s.size) % len(s.history)
	if s.size == len(s.history) {
		s.history[s.head] = sample
		s.head = (s.head + 1) % len(s.history)
	} else {
		s.history[idx] = sample
		s.size++
	}
	return true
}

// Len returns the number of samples currently held.
func (s *Session) Len() int { return s.size }

// Recent returns a copy of the last n samples in append order. If fewer than
// n samples exist, all of them are returned.
func (s *Session) Recent(n int) []Sample {
	if n > s.size {
		n = s.size
	}
	out := make([]Sample, n)
	start := s.size - n
	for i := 0; i < n; i++ {
		out[i] = s.history[(s.head+start+i)%len(s.history)]
	}
	return out
}

func (s *Session) latest() Sample {
	return s.history[(s.head+s.size-1)%len(s.history)]
}

// CooldownElapsed reports whether at least delta has passed since the last
// emission of kind. A kind never emitted has no cooldown.
func (s *Session) CooldownElapsed(kind Kind, now time.Time, delta time.Duration) bool {
	last, ok := s.cooldowns[kind]
	if !ok {
		return true
	}
	return now.Sub(last) >= delta
}

// EmitCount returns how many violations of kind have been recorded.
func (s *Session) EmitCount(kind Kind) int { return s.emitCounts[kind] }

// NoteEmit appends the violation to the log and arms the cooldown for its
// kind at now.
func (s *Session) NoteEmit(v Violation, now time.Time) {
	s.cooldowns[v.Kind] = now
	s.emitCounts[v.Kind]++
	s.violations = append(s.violations, v)
}

// Violations returns the append-only violation log.
func (s *Session) Violations() []Violation { return s.violations }

// CountFrame bumps the processed-frame counter for the given substream and
// returns the new camera count (used for the status cadence).
func (s *Session) CountFrame(stream Substream) uint64 {
	if stream == SubstreamScreen {
		s.screenFramesProcessed++
		return s.screenFramesProcessed
	}
	s.framesProcessed++
	return s.framesProcessed
}

// FrameCounts returns (camera, screen) frames processed so far.
func (s *Session) FrameCounts() (uint64, uint64) {
	return s.framesProcessed, s.screenFramesProcessed
}

// MarkDegraded records that a named adapter failed to initialise. The
// affected detections stay permanently false and the report is flagged.
func (s *Session) MarkDegraded(adapter string) {
	for _, d := range s.degraded {
		if d == adapter {
			return
		}
	}
	s.degraded = append(s.degraded, adapter)
}

// Degraded returns the names of adapters that failed to initialise.
func (s *Session) Degraded() []string { return s.degraded }

// Report computes the final session report at now.
func (s *Session) Report(now time.Time) *Report {
	summary := make(map[string]int, len(s.emitCounts))
	for kind, n := range s.emitCounts {
		summary[string(kind)] = n
	}

	tail := s.violations
	if len(tail) > reportTail {
		tail = tail[len(tail)-reportTail:]
	}
	detailed := make([]Violation, len(tail))
	copy(detailed, tail)

	breakdown := Breakdown{
		GhostTyping:     s.emitCounts[KindGhostTyping],
		NoFace:          s.emitCounts[KindNoFace],
		MultiplePersons: s.emitCounts[KindMultiplePersons],
	}

	return &Report{
		SessionID:             s.ID,
		StudentID:             s.StudentID,
		ExamID:                s.ExamID,
		DurationSeconds:       now.Sub(s.startedAt).Seconds(),
		TotalViolations:       len(s.violations),
		ViolationSummary:      summary,
		DetailedViolations:    detailed,
		RiskLevel:             classifyRisk(breakdown),
		FramesProcessed:       s.framesProcessed,
		ScreenFramesProcessed: s.screenFramesProcessed,
		Timestamp:             now,
		Breakdown:             breakdown,
		Degraded:              s.degraded,
	}
}

// classifyRisk applies the report-time risk rules.
func classifyRisk(b Breakdown) Risk {
	switch {
	case b.GhostTyping >= 3 || b.MultiplePersons >= 2:
		return RiskHigh
	case b.GhostTyping >= 1 || b.NoFace > 20:
		return RiskMedium
	default:
		return RiskLow
	}
}
