package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validQualities = map[string]bool{
	"ultra": true, "high": true, "medium": true, "low": true, "potato": true,
}

var validSessionTypes = map[string]bool{
	"backstage": true, "console": true, "adhoc": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

// ValidationResult separates configuration problems that must block
// startup (Fatals) from ones that are auto-corrected and merely logged
// (Warnings).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal validation errors were found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals and warnings concatenated, fatals first.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	all = append(all, r.Warnings...)
	return all
}

// ValidateTiered checks the agent config for invalid values. Dangerous
// zero-values that would cause panics or runaway loops are clamped to
// safe defaults and reported as warnings; structurally unusable values
// (bad URLs, control characters in secrets) are fatal.
func (c *AgentConfig) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.RelayURL != "" {
		u, err := url.Parse(c.RelayURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("relay_url %q is not a valid URL: %w", c.RelayURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			r.Fatals = append(r.Fatals, fmt.Errorf("relay_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	if c.AuthToken != "" {
		for _, ch := range c.AuthToken {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("auth_token contains control characters"))
				break
			}
		}
	}

	clampInt(&c.TargetFPS, 1, 60, "target_fps", &r)
	clampInt(&c.MinBitrateKbps, 100, 8000, "min_bitrate_kbps", &r)
	clampInt(&c.MaxBitrateKbps, c.MinBitrateKbps, 20000, "max_bitrate_kbps", &r)
	clampInt(&c.ConnectTimeoutS, 1, 120, "connect_timeout_seconds", &r)
	clampInt(&c.HeartbeatIntervalSeconds, 5, 3600, "heartbeat_interval_seconds", &r)
	clampInt(&c.MetricsIntervalSeconds, 5, 3600, "metrics_interval_seconds", &r)

	if c.InitialQuality != "" && !validQualities[strings.ToLower(c.InitialQuality)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("initial_quality %q is not valid (use ultra, high, medium, low, potato); defaulting to high", c.InitialQuality))
		c.InitialQuality = "high"
	}

	if c.DefaultSessionType != "" && !validSessionTypes[strings.ToLower(c.DefaultSessionType)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("default_session_type %q is not valid (use backstage, console, adhoc); defaulting to adhoc", c.DefaultSessionType))
		c.DefaultSessionType = "adhoc"
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

// ValidateTiered checks the relay server config the same way AgentConfig
// does: structural problems are fatal, unsafe numeric ranges are clamped
// and reported as warnings.
func (c *RelayConfig) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ListenAddr == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr must not be empty"))
	}

	clampInt(&c.MaxConnections, 1, 200000, "max_connections", &r)
	clampInt(&c.MaxSessions, 1, 100000, "max_sessions", &r)
	clampInt(&c.HeartbeatTimeoutSeconds, 10, 3600, "heartbeat_timeout_seconds", &r)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	return r
}

// clampInt clamps *v into [min, max], appending a warning to r.Warnings
// when a correction was necessary.
func clampInt(v *int, min, max int, field string, r *ValidationResult) {
	if *v < min {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", field, *v, min))
		*v = min
	} else if *v > max {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", field, *v, max))
		*v = max
	}
}
