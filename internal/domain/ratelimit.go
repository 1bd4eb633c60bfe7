package domain

import (
	"fmt"
	"time"
)

// RateLimitConfig неизменяем после создания
type RateLimitConfig struct {
	RequestsPerMinute int     `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerHour   int     `json:"requests_per_hour" mapstructure:"requests_per_hour"`
	RequestsPerDay    int     `json:"requests_per_day" mapstructure:"requests_per_day"`
	EnableBurst       bool    `json:"enable_burst" mapstructure:"enable_burst"`
	BurstMultiplier   float64 `json:"burst_multiplier" mapstructure:"burst_multiplier"`
}

// DefaultRateLimitConfig: значения по умолчанию
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
		BurstMultiplier:   1.5,
	}
}

// RateWindow: фиксированное окно подсчёта
type RateWindow struct {
	Name     string        // minute | hour | day
	Limit    string        // requests_per_minute | ...
	Duration time.Duration
}

var (
	WindowMinute = RateWindow{Name: "minute", Limit: "requests_per_minute", Duration: time.Minute}
	WindowHour   = RateWindow{Name: "hour", Limit: "requests_per_hour", Duration: time.Hour}
	WindowDay    = RateWindow{Name: "day", Limit: "requests_per_day", Duration: 24 * time.Hour}
)

// RateWindows: порядок проверки важен: minute -> hour -> day
var RateWindows = []RateWindow{WindowMinute, WindowHour, WindowDay}

// LimitFor возвращает лимит окна с учётом burst (только минутное окно)
func (c RateLimitConfig) LimitFor(w RateWindow) int {
	switch w.Name {
	case WindowMinute.Name:
		if c.EnableBurst && c.BurstMultiplier > 1 {
			return int(float64(c.RequestsPerMinute) * c.BurstMultiplier)
		}
		return c.RequestsPerMinute
	case WindowHour.Name:
		return c.RequestsPerHour
	default:
		return c.RequestsPerDay
	}
}

// RateLimitScope: кортеж (agent, user, team, org)
type RateLimitScope struct {
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id,omitempty"`
	TeamID         string `json:"team_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Key: ratelimit:<agent_id>:<user_id>:<team_id>:<org_id>
func (s RateLimitScope) Key() string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%s", s.AgentID, s.UserID, s.TeamID, s.OrganizationID)
}

type RateLimitCheckResult struct {
	Allowed           bool           `json:"allowed"`
	LimitExceeded     string         `json:"limit_exceeded,omitempty"`
	Remaining         int            `json:"remaining"` // -1 = неизвестно (fail-open)
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
	CurrentUsage      map[string]int `json:"current_usage,omitempty"`
}
