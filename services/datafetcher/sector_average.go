package datafetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"stocknity/fault"
	"stocknity/models"
	"stocknity/services/cache"
)

// SectorAverageSource derives per-sector means of the numeric screener
// columns from whatever screener rows are cached, stale or not
type SectorAverageSource struct {
	store *cache.Store
}

func NewSectorAverageSource(store *cache.Store) *SectorAverageSource {
	return &SectorAverageSource{store: store}
}

func (s *SectorAverageSource) Name() string { return "sector-average-calculator" }

func (s *SectorAverageSource) Endpoint() string { return "sector_averages" }

func (s *SectorAverageSource) Kind() models.SourceKind { return models.SourceCalculated }

type columnSum struct {
	total decimal.Decimal
	count int64
}

// Query ignores dims; the result always covers every sector
func (s *SectorAverageSource) Query(ctx context.Context, _ models.Dimensions) (models.Rows, error) {
	sums := make(map[string]map[string]*columnSum)
	tickers := make(map[string]map[string]struct{})

	for _, dims := range models.Combinations() {
		if dims.Sector == "Any" {
			continue
		}
		payload, ok, err := s.store.GetAnyAge(ctx, models.ScreenerKey(dims.Index, dims.Sector))
		if err != nil {
			return nil, fmt.Errorf("read screener rows: %v: %w", err, fault.ErrUpstreamUnavailable)
		}
		if !ok {
			continue
		}
		var rows models.Rows
		if err := json.Unmarshal(payload, &rows); err != nil {
			continue
		}
		for _, row := range rows {
			ticker := row.Ticker()
			if _, seen := tickers[dims.Sector][ticker]; seen {
				continue
			}
			if tickers[dims.Sector] == nil {
				tickers[dims.Sector] = make(map[string]struct{})
				sums[dims.Sector] = make(map[string]*columnSum)
			}
			tickers[dims.Sector][ticker] = struct{}{}
			for _, col := range NumericColumns {
				f, ok := row[col].(float64)
				if !ok {
					continue
				}
				cs, ok := sums[dims.Sector][col]
				if !ok {
					cs = &columnSum{}
					sums[dims.Sector][col] = cs
				}
				cs.total = cs.total.Add(decimal.NewFromFloat(f))
				cs.count++
			}
		}
	}

	if len(tickers) == 0 {
		return nil, fmt.Errorf("no screener rows cached: %w", fault.ErrUpstreamUnavailable)
	}

	sectors := make([]string, 0, len(tickers))
	for sector := range tickers {
		sectors = append(sectors, sector)
	}
	sort.Strings(sectors)

	out := make(models.Rows, 0, len(sectors))
	for _, sector := range sectors {
		row := models.Row{
			"Sector":  sector,
			"Tickers": len(tickers[sector]),
		}
		for col, cs := range sums[sector] {
			row[col] = cs.total.Div(decimal.NewFromInt(cs.count)).Round(3).InexactFloat64()
		}
		out = append(out, row)
	}
	return out, nil
}
