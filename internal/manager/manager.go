// Package manager owns the live proctoring sessions: one runner goroutine
// per connection draining a bounded frame queue through the vision,
// smoothing and fusion layers, plus the inactivity reaper and session-end
// persistence.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/proctorly/engine/internal/archive"
	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/health"
	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/session"
	"github.com/proctorly/engine/internal/store"
	"github.com/proctorly/engine/internal/workerpool"
)

var log = logging.L("manager")

var (
	// ErrSessionExists is returned by Start when the connection already has
	// an active session.
	ErrSessionExists = errors.New("session already active")
	// ErrNoSession is returned by Route and End for unknown connections.
	ErrNoSession = errors.New("no active session")
)

// Status is the periodic monitoring summary sent every statusEvery camera
// frames.
type Status struct {
	FramesProcessed       uint64 `json:"framesProcessed"`
	ScreenFramesProcessed uint64 `json:"screenFramesProcessed"`
	TotalViolations       int    `json:"totalViolations"`
	GhostTypingCount      int    `json:"ghostTypingCount"`
}

// Sink receives a session's outbound events. Implementations are called
// from the session's runner goroutine and from End.
type Sink interface {
	Violations(vs []session.Violation, source string)
	Status(st Status)
	Ended(report *session.Report)
}

// Manager is the session registry. Safe for concurrent use.
type Manager struct {
	cfg      *config.Config
	sink     *store.Store
	archiver *archive.Archiver
	pool     *workerpool.Pool
	monitor  *health.Monitor
	now      func() time.Time

	mu      sync.Mutex
	runners map[string]*runner
}

// New creates a manager. archiver may be nil (archiving disabled).
func New(cfg *config.Config, st *store.Store, archiver *archive.Archiver, pool *workerpool.Pool, monitor *health.Monitor) *Manager {
	return &Manager{
		cfg:      cfg,
		sink:     st,
		archiver: archiver,
		pool:     pool,
		monitor:  monitor,
		now:      time.Now,
		runners:  make(map[string]*runner),
	}
}

// Start creates a session for the connection. The connection ID doubles as
// the session ID, so one connection carries at most one session.
func (m *Manager) Start(connID, studentID, examID string, sink Sink) (string, error) {
	if studentID == "" {
		studentID = "unknown-student"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[connID]; ok {
		return "", ErrSessionExists
	}

	r := newRunner(m, connID, studentID, examID, sink)
	m.runners[connID] = r
	go r.loop()

	log.Info("proctoring started",
		logging.KeySessionID, connID,
		logging.KeyStudentID, studentID,
		logging.KeyExamID, examID,
		"degraded", r.sess.Degraded(),
	)
	m.monitor.Update("manager", health.Healthy, "")
	return connID, nil
}

// Route enqueues one decoded frame for the connection's session. A full
// queue evicts the oldest pending frame of the same substream; when the
// queue is full of the other substream the new frame is dropped instead.
func (m *Manager) Route(connID string, stream session.Substream, frame Frame) error {
	m.mu.Lock()
	r, ok := m.runners[connID]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	r.enqueue(stream, frame)
	return nil
}

// End finishes the session: the runner stops, the final report goes to the
// sink synchronously, and persistence plus archiving run on the worker
// pool so ingest never blocks on storage.
func (m *Manager) End(connID string) (*session.Report, error) {
	m.mu.Lock()
	r, ok := m.runners[connID]
	if ok {
		delete(m.runners, connID)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	return m.finish(r), nil
}

func (m *Manager) finish(r *runner) *session.Report {
	r.stop()

	now := m.now()
	report := r.sess.Report(now)
	violations := r.sess.Violations()

	r.sink.Ended(report)

	log.Info("proctoring ended",
		logging.KeySessionID, r.sess.ID,
		logging.KeyStudentID, r.sess.StudentID,
		"risk", report.RiskLevel,
		"violations", report.TotalViolations,
		logging.KeyDurationMs, int64(report.DurationSeconds*1000),
	)

	submitted := m.pool.Submit("persist-session", func() {
		err := m.sink.SaveSessionEnd(report, violations)
		m.monitor.SetError("store", err)
		if err == nil {
			m.archiver.Archive(m.pool.Context(), report)
		}
	})
	if !submitted {
		// Pool rejected (shutdown or saturated): write inline rather than
		// lose the outcome.
		err := m.sink.SaveSessionEnd(report, violations)
		m.monitor.SetError("store", err)
		if err == nil {
			m.archiver.Archive(context.Background(), report)
		}
	}
	return report
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// Reap ends every session idle for at least the configured timeout.
// Returns the IDs of the sessions it ended.
func (m *Manager) Reap() []string {
	timeout := time.Duration(m.cfg.SessionTimeoutSeconds) * time.Second
	cutoff := m.now().Add(-timeout)

	m.mu.Lock()
	var stale []*runner
	for id, r := range m.runners {
		if r.lastActivity().Before(cutoff) {
			stale = append(stale, r)
			delete(m.runners, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, r := range stale {
		log.Warn("reaping idle session", logging.KeySessionID, r.sess.ID, logging.KeyStudentID, r.sess.StudentID)
		m.finish(r)
		ids = append(ids, r.sess.ID)
	}
	return ids
}

// RunReaper periodically reaps idle sessions until ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Shutdown ends all sessions and persists their outcomes.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for id, r := range m.runners {
		runners = append(runners, r)
		delete(m.runners, id)
	}
	m.mu.Unlock()

	for _, r := range runners {
		m.finish(r)
	}
}
