// Package store persists session outcomes to SQLite: per-violation rows,
// final reports and evaluator submissions. The engine only appends; reads
// happen offline through the evaluate tooling.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/session"
)

var log = logging.L("store")

// Schema for the proctoring outcome store.
const schema = `
CREATE TABLE IF NOT EXISTS violations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    student_id  TEXT NOT NULL,
    exam_id     TEXT,
    kind        TEXT NOT NULL,
    severity    TEXT NOT NULL,
    scenario    TEXT,
    confidence  REAL,
    details     TEXT,
    evidence    TEXT,
    occurred_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id, occurred_ns);
CREATE INDEX IF NOT EXISTS idx_violations_kind ON violations(kind);

CREATE TABLE IF NOT EXISTS reports (
    session_id  TEXT PRIMARY KEY,
    student_id  TEXT NOT NULL,
    exam_id     TEXT,
    risk_level  TEXT NOT NULL,
    report_json TEXT NOT NULL,
    created_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS submissions (
    session_id   TEXT PRIMARY KEY,
    student_id   TEXT NOT NULL,
    exam_id      TEXT,
    has_critical INTEGER NOT NULL,
    label        TEXT,
    received_ns  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_label ON submissions(label);
`

// criticalKinds are the violation kinds that flag a submission for the
// offline evaluator.
var criticalKinds = map[session.Kind]bool{
	session.KindGhostTyping:     true,
	session.KindMultiplePersons: true,
	session.KindMultipleFaces:   true,
}

// Submission is one labelled (or yet unlabelled) session outcome row.
type Submission struct {
	SessionID   string
	StudentID   string
	ExamID      string
	HasCritical bool
	Label       string // "CHEATING", "GENUINE" or "" when unlabelled
	ReceivedAt  time.Time
}

// Store is the SQLite outcome sink. Safe for concurrent use; session-end
// writes arrive from worker-pool goroutines.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	deadLetters []outcome
}

// outcome is one session's complete persistence payload, kept whole so a
// failed write can be retried as a unit.
type outcome struct {
	report     *session.Report
	violations []session.Violation
}

// Open opens or creates the SQLite database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection. Dead letters still queued are lost;
// they are logged so the loss is visible.
func (s *Store) Close() error {
	s.mu.Lock()
	if n := len(s.deadLetters); n > 0 {
		log.Warn("closing store with unsaved outcomes", "count", n)
	}
	s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveSessionEnd persists one finished session: its violations, report and
// evaluator submission in a single transaction. On failure the outcome is
// queued and retried on the next call, so a transient storage problem loses
// nothing as long as the engine keeps running.
func (s *Store) SaveSessionEnd(report *session.Report, violations []session.Violation) error {
	s.retryDeadLetters()

	if err := s.writeOutcome(outcome{report: report, violations: violations}); err != nil {
		s.mu.Lock()
		s.deadLetters = append(s.deadLetters, outcome{report: report, violations: violations})
		queued := len(s.deadLetters)
		s.mu.Unlock()
		log.Error("session outcome write failed, queued for retry",
			logging.KeySessionID, report.SessionID, "queued", queued, logging.KeyError, err)
		return err
	}
	return nil
}

// DeadLetterCount returns how many failed outcomes await retry.
func (s *Store) DeadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

func (s *Store) retryDeadLetters() {
	s.mu.Lock()
	pending := s.deadLetters
	s.deadLetters = nil
	s.mu.Unlock()

	for i, o := range pending {
		if err := s.writeOutcome(o); err != nil {
			// Put back everything not yet written, preserving order.
			s.mu.Lock()
			s.deadLetters = append(pending[i:], s.deadLetters...)
			s.mu.Unlock()
			return
		}
		log.Info("retried session outcome write", logging.KeySessionID, o.report.SessionID)
	}
}

func (s *Store) writeOutcome(o outcome) error {
	reportJSON, err := json.Marshal(o.report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO violations (session_id, student_id, exam_id, kind, severity, scenario, confidence, details, evidence, occurred_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare violation insert: %w", err)
	}
	defer stmt.Close()

	hasCritical := false
	for _, v := range o.violations {
		if criticalKinds[v.Kind] {
			hasCritical = true
		}
		var evidence []byte
		if v.Evidence != nil {
			evidence, err = json.Marshal(v.Evidence)
			if err != nil {
				return fmt.Errorf("marshal evidence: %w", err)
			}
		}
		if _, err := stmt.Exec(
			o.report.SessionID, o.report.StudentID, o.report.ExamID,
			string(v.Kind), string(v.Severity), v.Scenario, v.Confidence,
			v.Details, string(evidence), v.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert violation: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO reports (session_id, student_id, exam_id, risk_level, report_json, created_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.report.SessionID, o.report.StudentID, o.report.ExamID,
		string(o.report.RiskLevel), string(reportJSON), o.report.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	// A re-persisted session refreshes the detection outcome but keeps any
	// label already applied by a reviewer.
	if _, err := tx.Exec(`
		INSERT INTO submissions (session_id, student_id, exam_id, has_critical, label, received_ns)
		VALUES (?, ?, ?, ?, '', ?)
		ON CONFLICT(session_id) DO UPDATE SET
			has_critical = excluded.has_critical,
			received_ns  = excluded.received_ns`,
		o.report.SessionID, o.report.StudentID, o.report.ExamID,
		hasCritical, o.report.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SetLabel records the ground-truth label for a session's submission.
func (s *Store) SetLabel(sessionID, label string) error {
	result, err := s.db.Exec(`UPDATE submissions SET label = ? WHERE session_id = ?`, label, sessionID)
	if err != nil {
		return fmt.Errorf("set label: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("submission not found: %s", sessionID)
	}
	return nil
}

// Submissions returns every submission row, labelled or not.
func (s *Store) Submissions() ([]Submission, error) {
	rows, err := s.db.Query(`
		SELECT session_id, student_id, exam_id, has_critical, COALESCE(label, ''), received_ns
		FROM submissions
		ORDER BY received_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []Submission
	for rows.Next() {
		var sub Submission
		var receivedNs int64
		if err := rows.Scan(&sub.SessionID, &sub.StudentID, &sub.ExamID, &sub.HasCritical, &sub.Label, &receivedNs); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		sub.ReceivedAt = time.Unix(0, receivedNs)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return subs, nil
}

// ViolationCount returns the number of stored violations for a session.
func (s *Store) ViolationCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM violations WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}
