// Package scheduler drives the periodic work of the service:
// - the full refresh of every (index, sector) combination
// - the queue and backend health check
// - the cleanup of archived tasks and call history
//
// Jobs only enqueue tasks; the worker pool does the fetching.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job names as reported by Status
const (
	JobInitialRefresh = "initial refresh"
	JobRefresh        = "daily full refresh"
	JobHealthCheck    = "hourly health check"
	JobCleanup        = "weekly cleanup"
)

// minutesPerDay is the refresh interval at which the daily clock time is used
const minutesPerDay = 1440

// Config holds the trigger settings
type Config struct {
	DailyRefresh               string        `json:"daily_refresh"`
	WeeklyCleanup              string        `json:"weekly_cleanup"`
	DataFetchIntervalMinutes   int           `json:"data_fetch_interval_minutes"`
	HealthCheckIntervalMinutes int           `json:"health_check_interval_minutes"`
	CleanupIntervalDays        int           `json:"cleanup_interval_days"`
	StartDelayMinutes          int           `json:"start_delay_minutes"`
	ArchiveRetention           time.Duration `json:"archive_retention"`
}

// DefaultConfig returns the stock schedule
func DefaultConfig() Config {
	return Config{
		DailyRefresh:               "08:00",
		WeeklyCleanup:              "02:00",
		DataFetchIntervalMinutes:   minutesPerDay,
		HealthCheckIntervalMinutes: 60,
		CleanupIntervalDays:        7,
		StartDelayMinutes:          5,
		ArchiveRetention:           30 * 24 * time.Hour,
	}
}

// Validate checks the clock times and intervals
func (c Config) Validate() error {
	for _, t := range []string{c.DailyRefresh, c.WeeklyCleanup} {
		if _, _, err := parseClock(t); err != nil {
			return err
		}
	}
	if c.DataFetchIntervalMinutes < 1 {
		return fmt.Errorf("data fetch interval must be at least one minute")
	}
	if c.HealthCheckIntervalMinutes < 1 {
		return fmt.Errorf("health check interval must be at least one minute")
	}
	if c.CleanupIntervalDays < 1 {
		return fmt.Errorf("cleanup interval must be at least one day")
	}
	if c.StartDelayMinutes < 0 {
		return fmt.Errorf("start delay must not be negative")
	}
	return nil
}

// parseClock parses "HH:MM"
func parseClock(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hour, minute, nil
}
