// Package regime folds a chronological regime timeline into the
// per-class summary statistics shown on the dashboard.
package regime

import (
	"sort"

	"github.com/junho-song/marketdeck/internal/market"
)

// Summary aggregates all periods sharing one regime label
type Summary struct {
	Label       string  `json:"label"`
	Count       int     `json:"count"`
	TotalReturn float64 `json:"total_return"` // signed percentage sum
	Share       float64 `json:"share"`        // 100 * count / total periods
}

// Summarize groups periods by label in one linear pass and returns one
// summary per distinct label, ordered by descending count with ties
// broken by first-seen label order. Input is never mutated; empty
// input yields an empty (non-nil) result.
func Summarize(periods []market.RegimePeriod) []Summary {
	summaries := make([]Summary, 0, 4)
	if len(periods) == 0 {
		return summaries
	}

	index := make(map[string]int, 4)
	for _, p := range periods {
		i, ok := index[p.Label]
		if !ok {
			i = len(summaries)
			index[p.Label] = i
			summaries = append(summaries, Summary{Label: p.Label})
		}
		summaries[i].Count++
		summaries[i].TotalReturn += p.Return
	}

	total := float64(len(periods))
	for i := range summaries {
		summaries[i].Share = 100 * float64(summaries[i].Count) / total
	}

	// Stable keeps first-seen order for equal counts
	sort.SliceStable(summaries, func(a, b int) bool {
		return summaries[a].Count > summaries[b].Count
	})

	return summaries
}

// Dominant returns the label of the most frequent regime, or "" for an
// empty timeline
func Dominant(periods []market.RegimePeriod) string {
	s := Summarize(periods)
	if len(s) == 0 {
		return ""
	}
	return s[0].Label
}
