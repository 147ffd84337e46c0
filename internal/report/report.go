package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// Reporter renders a scored batch for an external consumer. Implementations
// must not mutate the rows.
type Reporter interface {
	Write(w io.Writer, rows []models.ScoredListing) error
}

// modelStats aggregates per-canonical figures.
type modelStats struct {
	count    int
	minPrice models.USD
	maxPrice models.USD
	sumScore float64
}

// TextReporter renders the plain-text batch summary the CLI prints:
// per-canonical counts and price ranges, the match-type breakdown, and a
// score distribution histogram.
type TextReporter struct{}

func (TextReporter) Write(w io.Writer, rows []models.ScoredListing) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No listings scored.")
		return err
	}

	byModel := make(map[string]*modelStats)
	byMatch := make(map[models.MatchType]int)
	var buckets [5]int // [0,20) [20,40) [40,60) [60,80) [80,100]

	for _, row := range rows {
		s := byModel[row.CanonicalModel]
		if s == nil {
			s = &modelStats{minPrice: row.Price, maxPrice: row.Price}
			byModel[row.CanonicalModel] = s
		}
		s.count++
		if row.Price < s.minPrice {
			s.minPrice = row.Price
		}
		if row.Price > s.maxPrice {
			s.maxPrice = row.Price
		}
		s.sumScore += row.Score

		byMatch[row.MatchType]++

		bucket := int(row.Score / 20.0)
		if bucket > 4 {
			bucket = 4
		}
		buckets[bucket]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scored %d listings across %d models\n\n", len(rows), len(byModel))

	names := make([]string, 0, len(byModel))
	for m := range byModel {
		names = append(names, m)
	}
	sort.Strings(names)

	b.WriteString("Model                     Count   Price range            Avg score\n")
	for _, m := range names {
		s := byModel[m]
		fmt.Fprintf(&b, "%-25s %5d   $%s - $%s   %8.1f\n",
			m, s.count, s.minPrice.String(), s.maxPrice.String(), s.sumScore/float64(s.count))
	}

	b.WriteString("\nMatch types:\n")
	for _, mt := range []models.MatchType{models.MatchExact, models.MatchRegex, models.MatchFuzzy, models.MatchNone} {
		if n := byMatch[mt]; n > 0 {
			fmt.Fprintf(&b, "  %-6s %d\n", string(mt), n)
		}
	}

	b.WriteString("\nScore distribution:\n")
	labels := []string{"  0-20 ", " 20-40 ", " 40-60 ", " 60-80 ", "80-100 "}
	for i, n := range buckets {
		fmt.Fprintf(&b, "  %s %s (%d)\n", labels[i], strings.Repeat("#", n), n)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
