package datafetcher

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stocknity/models"
)

// NumericColumns are coerced to numbers and rounded to three places
var NumericColumns = []string{
	"P/E", "Fwd P/E", "PEG", "P/B", "P/C", "Price",
	"Dividend", "ROE", "ROI", "Insider Own", "Beta",
}

// CleanScreenerRows drops rows without a ticker, normalises the numeric
// columns and stamps each row with its sector, index and update time
func CleanScreenerRows(rows models.Rows, dims models.Dimensions, now time.Time) models.Rows {
	cleaned := make(models.Rows, 0, len(rows))
	stamp := now.UTC().Format(time.RFC3339)
	for _, row := range rows {
		if strings.TrimSpace(row.Ticker()) == "" {
			continue
		}
		out := make(models.Row, len(row)+3)
		for k, v := range row {
			out[k] = v
		}
		for _, col := range NumericColumns {
			if v, ok := out[col]; ok {
				out[col] = roundNumber(v)
			}
		}
		out["Sector"] = dims.Sector
		out["Index"] = dims.Index
		out["Last_Updated"] = stamp
		cleaned = append(cleaned, out)
	}
	return cleaned
}

// roundNumber returns v rounded to three decimals, or nil when v is not a number
func roundNumber(v interface{}) interface{} {
	var (
		d   decimal.Decimal
		err error
	)
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil
		}
		d = decimal.NewFromFloat(n)
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return nil
		}
		d = decimal.NewFromFloat32(n)
	case int:
		d = decimal.NewFromInt(int64(n))
	case int64:
		d = decimal.NewFromInt(n)
	case json.Number:
		d, err = decimal.NewFromString(n.String())
	case string:
		s := strings.TrimSpace(strings.NewReplacer("%", "", ",", "").Replace(n))
		if s == "" || s == "-" {
			return nil
		}
		d, err = decimal.NewFromString(s)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return d.Round(3).InexactFloat64()
}
