package config

import (
	"time"

	"github.com/ClareAI/astra-dispatch-service/internal/domain"
)

// Settings control one scheduler scope
type Settings struct {
	CallsPerMinute     int    `json:"callsPerMinute"`
	BatchSize          int    `json:"batchSize"`
	MinIntervalSeconds int    `json:"minIntervalSeconds"`
	ProcessAfterHours  bool   `json:"processAfterHours"`
	QuietHoursStart    int    `json:"quietHoursStart"`
	QuietHoursEnd      int    `json:"quietHoursEnd"`
	Timezone           string `json:"timezone"`
	CallTimeoutSeconds int    `json:"callTimeoutSeconds"`
	// MaxAttempts > 0 requeues failed items until they reach this many attempts
	MaxAttempts  int    `json:"maxAttempts"`
	VoiceAgentID string `json:"voiceAgentId,omitempty"`
	Script       string `json:"script,omitempty"`
}

// DefaultSettings returns the documented scheduler defaults
func DefaultSettings() Settings {
	return Settings{
		CallsPerMinute:     10,
		BatchSize:          5,
		MinIntervalSeconds: 30,
		ProcessAfterHours:  false,
		QuietHoursStart:    20,
		QuietHoursEnd:      8,
		Timezone:           "UTC",
		CallTimeoutSeconds: 30,
		MaxAttempts:        0,
	}
}

// LoadSettingsFromEnv overlays SCHEDULER_* variables on the defaults
func LoadSettingsFromEnv() Settings {
	s := DefaultSettings()
	s.CallsPerMinute = getEnvAsIntOrDefault("SCHEDULER_CALLS_PER_MINUTE", s.CallsPerMinute)
	s.BatchSize = getEnvAsIntOrDefault("SCHEDULER_BATCH_SIZE", s.BatchSize)
	s.MinIntervalSeconds = getEnvAsIntOrDefault("SCHEDULER_MIN_INTERVAL_SECONDS", s.MinIntervalSeconds)
	s.ProcessAfterHours = getEnvAsBoolOrDefault("SCHEDULER_PROCESS_AFTER_HOURS", s.ProcessAfterHours)
	s.QuietHoursStart = getEnvAsIntOrDefault("SCHEDULER_QUIET_HOURS_START", s.QuietHoursStart)
	s.QuietHoursEnd = getEnvAsIntOrDefault("SCHEDULER_QUIET_HOURS_END", s.QuietHoursEnd)
	s.Timezone = getEnvOrDefault("SCHEDULER_TIMEZONE", s.Timezone)
	s.CallTimeoutSeconds = getEnvAsIntOrDefault("SCHEDULER_CALL_TIMEOUT_SECONDS", s.CallTimeoutSeconds)
	s.MaxAttempts = getEnvAsIntOrDefault("SCHEDULER_MAX_ATTEMPTS", s.MaxAttempts)
	s.VoiceAgentID = getEnvOrDefault("SCHEDULER_VOICE_AGENT_ID", "")
	return s
}

// Normalize validates the settings and fills the timezone when empty
func (s *Settings) Normalize() error {
	if s.CallsPerMinute <= 0 {
		return domain.NewValidationError("callsPerMinute", "must be positive")
	}
	if s.BatchSize <= 0 {
		return domain.NewValidationError("batchSize", "must be positive")
	}
	if s.MinIntervalSeconds < 0 {
		return domain.NewValidationError("minIntervalSeconds", "must not be negative")
	}
	if s.QuietHoursStart < 0 || s.QuietHoursStart > 23 {
		return domain.NewValidationError("quietHoursStart", "must be between 0 and 23")
	}
	if s.QuietHoursEnd < 0 || s.QuietHoursEnd > 23 {
		return domain.NewValidationError("quietHoursEnd", "must be between 0 and 23")
	}
	if s.CallTimeoutSeconds <= 0 {
		s.CallTimeoutSeconds = DefaultSettings().CallTimeoutSeconds
	}
	if s.MaxAttempts < 0 {
		return domain.NewValidationError("maxAttempts", "must not be negative")
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return domain.NewValidationError("timezone", "is not a known IANA zone")
	}
	return nil
}

// Interval is the tick cadence: max(60s*batchSize/callsPerMinute, minIntervalSeconds)
func (s Settings) Interval() time.Duration {
	var interval time.Duration
	if s.CallsPerMinute > 0 {
		interval = time.Duration(float64(time.Minute) * float64(s.BatchSize) / float64(s.CallsPerMinute))
	}
	if floor := time.Duration(s.MinIntervalSeconds) * time.Second; interval < floor {
		interval = floor
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// CallTimeout bounds one Call Initiator invocation
func (s Settings) CallTimeout() time.Duration {
	if s.CallTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// Location returns the configured timezone, UTC when it cannot be loaded
func (s Settings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InQuietHours reports whether t falls in [QuietHoursStart, QuietHoursEnd)
// in the configured timezone. A start after the end wraps past midnight;
// equal bounds disable quiet hours.
func (s Settings) InQuietHours(t time.Time) bool {
	start, end := s.QuietHoursStart, s.QuietHoursEnd
	if start == end {
		return false
	}
	hour := t.In(s.Location()).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// ShouldSkip reports whether a tick at t must be skipped
func (s Settings) ShouldSkip(t time.Time) bool {
	return !s.ProcessAfterHours && s.InQuietHours(t)
}
