package models

import (
	"fmt"
	"strings"
	"time"

	"stocknity/fault"
)

// DataType identifies the kind of payload stored under a cache key
type DataType string

const (
	DataTypeScreenerRows      DataType = "screener"
	DataTypeTimeSeriesReturns DataType = "timeseries-returns"
	DataTypeSectorAverages    DataType = "sector-averages"
	DataTypeDerivedScore      DataType = "derived-score"
)

// SourceKind records where a cached payload came from
type SourceKind string

const (
	SourcePrimary    SourceKind = "primary"
	SourceFallback   SourceKind = "fallback"
	SourceCalculated SourceKind = "calculated"
)

// Dimensions narrow a data type down to a single cache entry
type Dimensions struct {
	Index     string `json:"index,omitempty"`
	Sector    string `json:"sector,omitempty"`
	ScoreKind string `json:"score_kind,omitempty"`
}

// FetchRequest names the data a caller wants
type FetchRequest struct {
	DataType   DataType   `json:"data_type"`
	Dimensions Dimensions `json:"dimensions"`
}

// CacheEntry is the tracking metadata kept for one cache key.
// The payload itself lives in the cache store.
type CacheEntry struct {
	Key            string     `json:"key"`
	DataType       DataType   `json:"data_type"`
	Source         SourceKind `json:"source"`
	Provider       string     `json:"provider,omitempty"`
	Index          string     `json:"index,omitempty"`
	Sector         string     `json:"sector,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	TTLSeconds     int64      `json:"ttl_seconds"`
	RecordCount    int        `json:"record_count"`
	SizeBytes      int        `json:"size_bytes"`
	APICallsMade   int        `json:"api_calls_made"`
	CacheHits      int        `json:"cache_hits"`
}

// PendingRequest marks an upstream fetch in flight for a key
type PendingRequest struct {
	Key            string    `json:"key"`
	StartedAt      time.Time `json:"started_at"`
	TimeoutSeconds int64     `json:"timeout_seconds"`
}

// ScreenerKey builds the key for screener rows of one index and sector
func ScreenerKey(index, sector string) string {
	return fmt.Sprintf("%s:%s:%s", DataTypeScreenerRows, index, sector)
}

// DerivedScoreKey builds the key for a derived score of one sector and index
func DerivedScoreKey(scoreKind, sector, index string) string {
	return fmt.Sprintf("%s:%s:%s:%s", DataTypeDerivedScore, scoreKind, sector, index)
}

// CacheKey derives the cache key for a data type and its dimensions.
// Singleton data types ignore the dimensions.
func CacheKey(dataType DataType, dims Dimensions) (string, error) {
	switch dataType {
	case DataTypeScreenerRows:
		if err := checkDimensions("screener key", dims.Index, dims.Sector); err != nil {
			return "", err
		}
		return ScreenerKey(dims.Index, dims.Sector), nil
	case DataTypeTimeSeriesReturns, DataTypeSectorAverages:
		return string(dataType), nil
	case DataTypeDerivedScore:
		if err := checkDimensions("derived score key", dims.ScoreKind, dims.Sector, dims.Index); err != nil {
			return "", err
		}
		return DerivedScoreKey(dims.ScoreKind, dims.Sector, dims.Index), nil
	}
	return "", fmt.Errorf("unknown data type %q: %w", dataType, fault.ErrInvalidDimensions)
}

// checkDimensions rejects blank values and values holding the key separator,
// either of which would let two requests share a key
func checkDimensions(what string, values ...string) error {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s needs every dimension: %w", what, fault.ErrInvalidDimensions)
		}
		if strings.Contains(v, ":") {
			return fmt.Errorf("%s dimension %q contains ':': %w", what, v, fault.ErrInvalidDimensions)
		}
	}
	return nil
}

// ParseKey splits a cache key back into its data type and dimensions
func ParseKey(key string) (DataType, Dimensions, bool) {
	parts := strings.Split(key, ":")
	switch DataType(parts[0]) {
	case DataTypeScreenerRows:
		if len(parts) != 3 {
			return "", Dimensions{}, false
		}
		return DataTypeScreenerRows, Dimensions{Index: parts[1], Sector: parts[2]}, true
	case DataTypeTimeSeriesReturns, DataTypeSectorAverages:
		if len(parts) != 1 {
			return "", Dimensions{}, false
		}
		return DataType(parts[0]), Dimensions{}, true
	case DataTypeDerivedScore:
		if len(parts) != 4 {
			return "", Dimensions{}, false
		}
		return DataTypeDerivedScore, Dimensions{ScoreKind: parts[1], Sector: parts[2], Index: parts[3]}, true
	}
	return "", Dimensions{}, false
}

// TTLPolicy is the single freshness policy per data type
type TTLPolicy map[DataType]time.Duration

// DefaultTTLPolicy returns the standard TTLs
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		DataTypeScreenerRows:      7 * 24 * time.Hour,
		DataTypeTimeSeriesReturns: 24 * time.Hour,
		DataTypeSectorAverages:    24 * time.Hour,
		DataTypeDerivedScore:      24 * time.Hour,
	}
}

// For returns the TTL for a data type, falling back to 24 hours
func (p TTLPolicy) For(dataType DataType) time.Duration {
	if ttl, ok := p[dataType]; ok && ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}
