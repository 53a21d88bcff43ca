package models

import "time"

// APICallLogEntry records the outcome of one upstream call
type APICallLogEntry struct {
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source"`
	Endpoint       string            `json:"endpoint"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Success        bool              `json:"success"`
	ResponseTimeMs int64             `json:"response_time_ms"`
	RecordCount    int               `json:"record_count"`
	CacheKey       string            `json:"cache_key"`
	Error          string            `json:"error,omitempty"`
}
