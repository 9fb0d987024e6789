// Package archive optionally uploads final session reports to external
// storage after they are persisted. Archiving is best effort: a failed
// upload is a warning, never a session-end failure.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/proctorly/engine/internal/config"
	"github.com/proctorly/engine/internal/logging"
	"github.com/proctorly/engine/internal/session"
)

var log = logging.L("archive")

// Provider stores one named blob.
type Provider interface {
	Store(ctx context.Context, key string, data []byte) error
	Name() string
}

// Archiver serialises reports and hands them to the configured provider.
// A nil *Archiver is valid and archives nothing.
type Archiver struct {
	provider Provider
	prefix   string
}

// New builds an archiver from configuration. An empty provider disables
// archiving and returns (nil, nil).
func New(ctx context.Context, cfg config.Archive) (*Archiver, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "local":
		p, err := newLocalProvider(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return &Archiver{provider: p, prefix: cfg.Prefix}, nil
	case "s3":
		p, err := newS3Provider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{provider: p, prefix: cfg.Prefix}, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// Key returns the object key for a report.
func (a *Archiver) Key(r *session.Report) string {
	key := fmt.Sprintf("%s/%s.json", r.ExamID, r.SessionID)
	if r.ExamID == "" {
		key = r.SessionID + ".json"
	}
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

// Archive uploads one report. Failures are logged and swallowed.
func (a *Archiver) Archive(ctx context.Context, r *session.Report) {
	if a == nil {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		log.Error("report marshal failed", logging.KeySessionID, r.SessionID, logging.KeyError, err)
		return
	}

	key := a.Key(r)
	if err := a.provider.Store(ctx, key, data); err != nil {
		log.Warn("report archive failed",
			logging.KeySessionID, r.SessionID, "provider", a.provider.Name(), "key", key, logging.KeyError, err)
		return
	}
	log.Debug("report archived", logging.KeySessionID, r.SessionID, "provider", a.provider.Name(), "key", key)
}
