package models

// Row is one record of a screener or time-series result
type Row map[string]interface{}

// Rows is a full result set as returned by a source
type Rows []Row

// Ticker returns the ticker symbol of the row, or "" if missing
func (r Row) Ticker() string {
	v, ok := r["Ticker"]
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Market universe refreshed by the scheduler
var (
	Indexes = []string{"DJIA", "S&P 500"}

	Sectors = []string{
		"Basic Materials",
		"Energy",
		"Communication Services",
		"Consumer Cyclical",
		"Healthcare",
		"Industrials",
		"Real Estate",
		"Financial",
		"Consumer Defensive",
		"Technology",
		"Utilities",
		"Any",
	}
)

// Combinations lists every (index, sector) pair of the universe
func Combinations() []Dimensions {
	combos := make([]Dimensions, 0, len(Indexes)*len(Sectors))
	for _, index := range Indexes {
		for _, sector := range Sectors {
			combos = append(combos, Dimensions{Index: index, Sector: sector})
		}
	}
	return combos
}
