package manager

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/proctorly/engine/internal/archive"
	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/health"
	"github.com/proctorly/engine/internal/session"
	"github.com/proctorly/engine/internal/store"
	"github.com/proctorly/engine/internal/vision"
	"github.com/proctorly/engine/internal/workerpool"
)

var mgrT0 = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu         sync.Mutex
	violations []session.Violation
	statuses   []Status
	report     *session.Report
}

func (s *recordingSink) Violations(vs []session.Violation, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations = append(s.violations, vs...)
}

func (s *recordingSink) Status(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) Ended(r *session.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
}

func (s *recordingSink) snapshot() (int, int, *session.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.violations), len(s.statuses), s.report
}

type stubFaces struct{ count int }

func (f *stubFaces) DetectFaces(image.Image) (int, error) { return f.count, nil }
func (f *stubFaces) Close() error                         { return nil }

type stubHands struct{}

func (f *stubHands) DetectHands(image.Image) ([]vision.Hand, error) { return nil, nil }
func (f *stubHands) Close() error                                   { return nil }

// registerPrimitives installs stub vision primitives for the duration of
// the test. faceCount controls what every camera frame reports.
func registerPrimitives(t *testing.T, faceCount int) {
	t.Helper()
	vision.RegisterFacePrimitive(func() (vision.FacePrimitive, error) {
		return &stubFaces{count: faceCount}, nil
	})
	vision.RegisterHandPrimitive(func() (vision.HandPrimitive, error) {
		return &stubHands{}, nil
	})
	t.Cleanup(func() {
		vision.RegisterFacePrimitive(nil)
		vision.RegisterHandPrimitive(nil)
	})
}

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proctor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	pool := workerpool.New(2, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		st.Close()
	})
	m := New(config.Default(), st, nil, pool, health.NewMonitor())
	return m, st
}

func cameraFrame(at time.Time) Frame {
	return Frame{Image: image.NewRGBA(image.Rect(0, 0, 64, 48)), At: at}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartEndLifecycle(t *testing.T) {
	registerPrimitives(t, 1)
	m, _ := newTestManager(t)
	sink := &recordingSink{}

	id, err := m.Start("conn-1", "stu-1", "exam-1", sink)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "conn-1" {
		t.Fatalf("session id = %q, want connection id", id)
	}
	if m.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", m.ActiveSessions())
	}

	if _, err := m.Start("conn-1", "stu-1", "exam-1", sink); err != ErrSessionExists {
		t.Fatalf("duplicate Start error = %v, want ErrSessionExists", err)
	}

	report, err := m.End("conn-1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if report.StudentID != "stu-1" || report.RiskLevel != session.RiskLow {
		t.Fatalf("report = %+v", report)
	}
	if _, _, got := sink.snapshot(); got == nil {
		t.Fatal("sink did not receive the final report")
	}

	if _, err := m.End("conn-1"); err != ErrNoSession {
		t.Fatalf("second End error = %v, want ErrNoSession", err)
	}
	if m.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions = %d after End, want 0", m.ActiveSessions())
	}
}

func TestRouteUnknownConnection(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Route("ghost", session.SubstreamCamera, cameraFrame(mgrT0)); err != ErrNoSession {
		t.Fatalf("Route error = %v, want ErrNoSession", err)
	}
}

func TestNoFaceViolationsFlowToSinkAndStore(t *testing.T) {
	registerPrimitives(t, 0) // no face in any frame
	m, st := newTestManager(t)
	sink := &recordingSink{}

	if _, err := m.Start("conn-1", "stu-1", "exam-1", sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Paced below the queue's eviction point so every frame is processed
	// and the exact frame count is assertable.
	for i := 0; i < 50; i++ {
		at := mgrT0.Add(time.Duration(i) * 100 * time.Millisecond)
		if err := m.Route("conn-1", session.SubstreamCamera, cameraFrame(at)); err != nil {
			t.Fatalf("Route: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	waitFor(t, "violations and status", func() bool {
		nv, ns, _ := sink.snapshot()
		return nv >= 1 && ns >= 1
	})

	report, err := m.End("conn-1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if report.FramesProcessed != 50 {
		t.Fatalf("FramesProcessed = %d, want 50", report.FramesProcessed)
	}
	if report.Breakdown.NoFace < 1 {
		t.Fatalf("NoFace breakdown = %d, want >= 1", report.Breakdown.NoFace)
	}

	// Persistence runs on the pool; give it a moment.
	waitFor(t, "persisted violations", func() bool {
		n, err := st.ViolationCount("conn-1")
		return err == nil && n >= 1
	})
}

func TestStatusCadence(t *testing.T) {
	registerPrimitives(t, 1)
	m, _ := newTestManager(t)
	sink := &recordingSink{}

	if _, err := m.Start("conn-1", "stu-1", "", sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 100; i++ {
		at := mgrT0.Add(time.Duration(i) * 100 * time.Millisecond)
		m.Route("conn-1", session.SubstreamCamera, cameraFrame(at))
		time.Sleep(time.Millisecond)
	}

	waitFor(t, "two status emissions", func() bool {
		_, ns, _ := sink.snapshot()
		return ns >= 2
	})

	sink.mu.Lock()
	first := sink.statuses[0]
	sink.mu.Unlock()
	if first.FramesProcessed != 50 {
		t.Fatalf("first status at frame %d, want 50", first.FramesProcessed)
	}
}

func TestDegradedSessionStaysQuiet(t *testing.T) {
	// No primitives registered: both camera checks disabled.
	m, _ := newTestManager(t)
	sink := &recordingSink{}

	if _, err := m.Start("conn-1", "stu-1", "", sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 30; i++ {
		at := mgrT0.Add(time.Duration(i) * 100 * time.Millisecond)
		m.Route("conn-1", session.SubstreamCamera, cameraFrame(at))
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond) // let the runner drain before ending

	report, err := m.End("conn-1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if nv, _, _ := sink.snapshot(); nv != 0 {
		t.Fatalf("degraded session emitted %d violations", nv)
	}
	if len(report.Degraded) != 2 {
		t.Fatalf("Degraded = %v, want face and hand", report.Degraded)
	}
	if report.FramesProcessed != 30 {
		t.Fatalf("FramesProcessed = %d, want 30 (frames still counted)", report.FramesProcessed)
	}
}

func TestViolationTimestampUsesServerClock(t *testing.T) {
	registerPrimitives(t, 0)
	m, _ := newTestManager(t)
	sink := &recordingSink{}

	if _, err := m.Start("conn-1", "stu-1", "", sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Capture timestamps are client-supplied. An hour-old one annotates the
	// sample but must not drag the violation clock backwards.
	stale := time.Now().Add(-time.Hour)
	if err := m.Route("conn-1", session.SubstreamCamera, cameraFrame(stale)); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, "a violation", func() bool {
		nv, _, _ := sink.snapshot()
		return nv >= 1
	})

	sink.mu.Lock()
	ts := sink.violations[0].Timestamp
	sink.mu.Unlock()
	if d := time.Since(ts); d < 0 || d > time.Minute {
		t.Fatalf("violation timestamp off server clock by %v", d)
	}

	if _, err := m.End("conn-1"); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestInlineFallbackStillArchives(t *testing.T) {
	registerPrimitives(t, 1)
	st, err := store.Open(filepath.Join(t.TempDir(), "proctor.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	dir := t.TempDir()
	arch, err := archive.New(context.Background(), config.Archive{Provider: "local", Dir: dir})
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	pool := workerpool.New(1, 1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
		st.Close()
	})
	pool.StopAccepting() // every session-end submit is rejected

	m := New(config.Default(), st, arch, pool, health.NewMonitor())
	if _, err := m.Start("conn-1", "stu-1", "exam-1", &recordingSink{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.End("conn-1"); err != nil {
		t.Fatalf("End: %v", err)
	}

	// The inline path must persist and archive, same as the pooled one.
	if n, err := st.ViolationCount("conn-1"); err != nil || n != 0 {
		t.Fatalf("ViolationCount = %d, %v", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "exam-1", "conn-1.json")); err != nil {
		t.Fatalf("inline fallback did not archive the report: %v", err)
	}
}

func TestQueueEvictsOldestSameSubstream(t *testing.T) {
	registerPrimitives(t, 1)
	m, _ := newTestManager(t)
	r := newRunner(m, "conn-1", "stu-1", "", &recordingSink{})
	// Not started: frames accumulate in the queue.

	for i := 0; i < queueCap+8; i++ {
		r.enqueue(session.SubstreamCamera, cameraFrame(mgrT0.Add(time.Duration(i)*time.Millisecond)))
	}
	r.mu.Lock()
	n := len(r.queue)
	oldest := r.queue[0].frame.At
	r.mu.Unlock()
	if n != queueCap {
		t.Fatalf("queue length = %d, want %d", n, queueCap)
	}
	// Eight camera frames were evicted from the front.
	if want := mgrT0.Add(8 * time.Millisecond); !oldest.Equal(want) {
		t.Fatalf("oldest frame at %v, want %v", oldest, want)
	}

	// A screen frame still gets in by evicting a camera frame.
	r.enqueue(session.SubstreamScreen, cameraFrame(mgrT0.Add(time.Second)))
	r.mu.Lock()
	last := r.queue[len(r.queue)-1].stream
	n = len(r.queue)
	r.mu.Unlock()
	if n != queueCap || last != session.SubstreamScreen {
		t.Fatalf("screen frame not enqueued under camera backlog (n=%d last=%s)", n, last)
	}

	close(r.finished) // satisfy stop's wait; loop never ran
}

func TestReaperEndsIdleSessions(t *testing.T) {
	registerPrimitives(t, 1)
	m, _ := newTestManager(t)
	sink := &recordingSink{}

	current := mgrT0
	var clockMu sync.Mutex
	m.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	if _, err := m.Start("conn-1", "stu-1", "", sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if reaped := m.Reap(); len(reaped) != 0 {
		t.Fatalf("fresh session reaped: %v", reaped)
	}

	clockMu.Lock()
	current = mgrT0.Add(11 * time.Minute)
	clockMu.Unlock()

	reaped := m.Reap()
	if len(reaped) != 1 || reaped[0] != "conn-1" {
		t.Fatalf("Reap = %v, want [conn-1]", reaped)
	}
	if m.ActiveSessions() != 0 {
		t.Fatal("reaped session still active")
	}
	if _, _, report := sink.snapshot(); report == nil {
		t.Fatal("reaped session did not emit its final report")
	}
}

func TestShutdownEndsAllSessions(t *testing.T) {
	registerPrimitives(t, 1)
	m, _ := newTestManager(t)

	sinks := make([]*recordingSink, 3)
	for i, id := range []string{"a", "b", "c"} {
		sinks[i] = &recordingSink{}
		if _, err := m.Start(id, "stu-"+id, "", sinks[i]); err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
	}

	m.Shutdown()

	if m.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions = %d after Shutdown", m.ActiveSessions())
	}
	for i, s := range sinks {
		if _, _, report := s.snapshot(); report == nil {
			t.Fatalf("session %d missing final report", i)
		}
	}
}
