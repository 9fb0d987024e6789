package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validArchiveProviders = map[string]bool{
	"":      true,
	"local": true,
	"s3":    true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics or divide-by-zero are clamped
// to safe defaults. Other validation errors are reported but do not prevent
// startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug/info/warn/error", c.LogLevel))
	}
	if f := strings.ToLower(c.LogFormat); f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not text or json", c.LogFormat))
	}
	if !validArchiveProviders[c.Archive.Provider] {
		errs = append(errs, fmt.Errorf("archive provider %q is not one of local/s3", c.Archive.Provider))
	}
	if c.Archive.Provider == "s3" && (c.Archive.Bucket == "" || c.Archive.Region == "") {
		errs = append(errs, fmt.Errorf("archive provider s3 requires bucket and region"))
	}
	if c.Archive.Provider == "local" && c.Archive.Dir == "" {
		errs = append(errs, fmt.Errorf("archive provider local requires dir"))
	}

	if c.MaxConnections < 1 {
		slog.Warn("max_connections clamped", "from", c.MaxConnections, "to", 256)
		c.MaxConnections = 256
	}
	if c.SessionTimeoutSeconds < 10 {
		slog.Warn("session_timeout_seconds clamped", "from", c.SessionTimeoutSeconds, "to", 600)
		c.SessionTimeoutSeconds = 600
	}

	errs = append(errs, c.Detection.validate()...)
	return errs
}

// validate clamps detection values whose zero or negative forms would break
// the pipeline. Window lengths must allow the fusion confirmation window.
func (d *Detection) validate() []error {
	var errs []error

	if d.SmoothWindow < 1 {
		slog.Warn("smooth_w clamped", "from", d.SmoothWindow, "to", 20)
		d.SmoothWindow = 20
	}
	if d.SmoothRatio <= 0 || d.SmoothRatio > 1 {
		slog.Warn("smooth_rho clamped", "from", d.SmoothRatio, "to", 0.40)
		d.SmoothRatio = 0.40
	}
	if d.HistoryCapacity < 30 {
		slog.Warn("hist_h clamped", "from", d.HistoryCapacity, "to", 40)
		d.HistoryCapacity = 40
	}
	if d.EvalIntervalSeconds <= 0 {
		d.EvalIntervalSeconds = 2.0
	}
	if d.GhostCooldownSeconds <= 0 {
		d.GhostCooldownSeconds = 8.0
	}
	if d.FaceCooldownSeconds <= 0 {
		d.FaceCooldownSeconds = 5.0
	}
	if d.StatusEvery < 1 {
		d.StatusEvery = 50
	}

	if d.TypingConfidenceThreshold <= 0 || d.TypingConfidenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("typing_confidence_threshold %v is outside (0,1)", d.TypingConfidenceThreshold))
		d.TypingConfidenceThreshold = 0.40
	}
	if d.TypingPositionThreshold <= 0 || d.TypingPositionThreshold >= 1 {
		errs = append(errs, fmt.Errorf("typing_position_threshold %v is outside (0,1)", d.TypingPositionThreshold))
		d.TypingPositionThreshold = 0.30
	}

	if d.EditorTop < 0 || d.EditorBottom > 1 || d.EditorTop >= d.EditorBottom ||
		d.EditorLeft < 0 || d.EditorRight > 1 || d.EditorLeft >= d.EditorRight {
		errs = append(errs, fmt.Errorf("editor region [%v,%v]x[%v,%v] is not a sub-rectangle of the frame",
			d.EditorTop, d.EditorBottom, d.EditorLeft, d.EditorRight))
		d.EditorTop, d.EditorBottom, d.EditorLeft, d.EditorRight = 0.25, 0.80, 0.15, 0.85
	}

	return errs
}
