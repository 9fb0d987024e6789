// Package fusion correlates the camera and screen detection streams into
// ghost-typing violations: screen text entry without matching hand activity.
// Detection is count-based over two rolling windows so a handful of
// misclassified frames cannot trigger or suppress a finding on its own.
package fusion

import (
	"fmt"
	"time"

	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/session"
)

// Window sizes in samples. The primary window is the recent burst under
// test; the confirmation window must independently agree before anything is
// emitted. minHistory keeps session warm-up quiet.
const (
	primaryWindow = 20
	confirmWindow = 30
	minHistory    = 15
)

// Detector runs the fusion analysis for one session. Not internally
// synchronised; owned by the session runner goroutine.
type Detector struct {
	cfg      config.Detection
	lastEval time.Time
}

// New creates a detector. The first evaluation happens one interval after
// startedAt.
func New(cfg config.Detection, startedAt time.Time) *Detector {
	return &Detector{cfg: cfg, lastEval: startedAt}
}

// windowCounts aggregates one window of samples.
type windowCounts struct {
	screenTyping     int
	handsTyping      int
	handsAbsent      int
	visibleNotTyping int
}

func count(samples []session.Sample) windowCounts {
	var c windowCounts
	for _, s := range samples {
		if s.ScreenTyping {
			c.screenTyping++
		}
		if s.HandsTyping {
			c.handsTyping++
		}
		if !s.HandsVisible {
			c.handsAbsent++
		} else if !s.HandsTyping {
			c.visibleNotTyping++
		}
	}
	return c
}

// Tick runs the periodic ghost-typing analysis at now. At most one violation
// is produced per evaluation; when one is, it is recorded on the session
// (arming the cooldown) and returned for transport. Between evaluation
// instants Tick is a no-op.
func (d *Detector) Tick(sess *session.Session, now time.Time) *session.Violation {
	interval := time.Duration(d.cfg.EvalIntervalSeconds * float64(time.Second))
	if now.Sub(d.lastEval) < interval {
		return nil
	}
	d.lastEval = now

	if sess.Len() < minHistory {
		return nil
	}

	cooldown := time.Duration(d.cfg.GhostCooldownSeconds * float64(time.Second))
	if !sess.CooldownElapsed(session.KindGhostTyping, now, cooldown) {
		return nil
	}

	primary := count(sess.Recent(primaryWindow))

	var v *session.Violation
	switch {
	case primary.screenTyping >= d.cfg.S1ScreenPrimary && primary.handsAbsent >= d.cfg.S1AbsentPrimary:
		v = d.confirmHandsAbsent(sess, primary, now)
	case primary.screenTyping >= d.cfg.S2ScreenPrimary &&
		primary.handsTyping <= d.cfg.S2TypingMaxPrimary &&
		primary.visibleNotTyping >= d.cfg.S2IdlePrimary:
		v = d.confirmHandsIdle(sess, primary, now)
	}
	if v != nil {
		sess.NoteEmit(*v, now)
	}
	return v
}

// confirmHandsAbsent re-tests scenario 1 over the confirmation window:
// screen typing while hands are consistently out of frame.
func (d *Detector) confirmHandsAbsent(sess *session.Session, primary windowCounts, now time.Time) *session.Violation {
	if sess.Len() < confirmWindow {
		return nil
	}
	confirm := count(sess.Recent(confirmWindow))
	if confirm.screenTyping < d.cfg.S1ScreenConfirm || confirm.handsAbsent < d.cfg.S1AbsentConfirm {
		return nil
	}
	return &session.Violation{
		Kind:       session.KindGhostTyping,
		Severity:   session.SeverityCritical,
		Timestamp:  now,
		Details:    "Screen typing detected with hands consistently absent",
		Confidence: 0.90,
		Evidence: map[string]int{
			"screen_typing_frames":  primary.screenTyping,
			"hands_not_visible":     primary.handsAbsent,
			"confirm_screen_typing": confirm.screenTyping,
			"confirm_hands_absent":  confirm.handsAbsent,
		},
		Scenario: session.ScenarioHandsAbsent,
	}
}

// confirmHandsIdle re-tests scenario 2 over the confirmation window: screen
// typing while visible hands stay away from a typing posture.
func (d *Detector) confirmHandsIdle(sess *session.Session, primary windowCounts, now time.Time) *session.Violation {
	if sess.Len() < confirmWindow {
		return nil
	}
	confirm := count(sess.Recent(confirmWindow))
	if confirm.screenTyping < d.cfg.S2ScreenConfirm || confirm.handsTyping > d.cfg.S2TypingMaxConfirm {
		return nil
	}
	return &session.Violation{
		Kind:       session.KindGhostTyping,
		Severity:   session.SeverityHigh,
		Timestamp:  now,
		Details:    "Screen typing but hands not in typing position",
		Confidence: 0.80,
		Evidence: map[string]int{
			"screen_typing_frames":     primary.screenTyping,
			"hands_typing_frames":      primary.handsTyping,
			"hands_visible_not_typing": primary.visibleNotTyping,
			"confirm_screen_typing":    confirm.screenTyping,
			"confirm_hands_typing":     confirm.handsTyping,
		},
		Scenario: session.ScenarioHandsNotTyping,
	}
}

// FaceCheck applies the per-frame face rules to one camera observation.
// Emissions are rate limited per kind by cooldown and by an absolute
// per-session cap, since a face left out of frame would otherwise flood the
// violation log at frame rate.
func (d *Detector) FaceCheck(sess *session.Session, faceCount int, now time.Time) *session.Violation {
	var v *session.Violation
	switch {
	case faceCount == 0:
		v = &session.Violation{
			Kind:      session.KindNoFace,
			Severity:  session.SeverityMedium,
			Timestamp: now,
			Details:   "Face not visible",
		}
	case faceCount > 1:
		v = &session.Violation{
			Kind:      session.KindMultiplePersons,
			Severity:  session.SeverityCritical,
			Timestamp: now,
			Details:   fmt.Sprintf("%d people detected", faceCount),
		}
	default:
		return nil
	}

	cooldown := time.Duration(d.cfg.FaceCooldownSeconds * float64(time.Second))
	if !sess.CooldownElapsed(v.Kind, now, cooldown) {
		return nil
	}
	if d.cfg.FaceRateLimit > 0 && sess.EmitCount(v.Kind) >= d.cfg.FaceRateLimit {
		return nil
	}
	sess.NoteEmit(*v, now)
	return v
}
