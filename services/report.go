package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// StoreReport holds health figures over a listing store.
type StoreReport struct {
	TotalListings      int
	SoldListings       int
	MissingTags        int
	MissingCoordinates int
	WithImages         int
	DetailChecked      int
	AveragePrice       float64
	MinPrice           float64
	MaxPrice           float64
	MostExpensive      *models.Listing
	ListingsByLayout   map[string]int
	FailedJobs         int
}

// ReportService computes and prints StoreReports.
type ReportService struct {
	logger logrus.FieldLogger
}

// NewReportService creates a ReportService.
func NewReportService(logger logrus.FieldLogger) *ReportService {
	return &ReportService{logger: logger}
}

// Generate computes a report over store.
func (s *ReportService) Generate(store models.Store, failed []models.FailedJob) *StoreReport {
	report := &StoreReport{
		ListingsByLayout: make(map[string]int),
		FailedJobs:       len(failed),
	}
	if len(store) == 0 {
		return report
	}
	report.TotalListings = len(store)

	var priced []*models.Listing
	for _, id := range store.Keys() {
		l := store[id]
		if l == nil {
			continue
		}
		if l.IsSold != nil && *l.IsSold {
			report.SoldListings++
		}
		if !l.HasTags() {
			report.MissingTags++
		}
		if l.LatLong == nil && (l.LatLongString == nil || *l.LatLongString == "") {
			report.MissingCoordinates++
		}
		if len(l.ListingImages) > 0 {
			report.WithImages++
		}
		if l.DetailSoldChecked() {
			report.DetailChecked++
		}
		if l.Price != nil && *l.Price > 0 {
			priced = append(priced, l)
		}
		if l.Layout != "" {
			report.ListingsByLayout[l.Layout]++
		}
	}

	if len(priced) > 0 {
		report.MinPrice = *priced[0].Price
		report.MaxPrice = *priced[0].Price
		report.MostExpensive = priced[0]
		var total float64
		for _, l := range priced {
			p := *l.Price
			total += p
			if p < report.MinPrice {
				report.MinPrice = p
			}
			if p > report.MaxPrice {
				report.MaxPrice = p
				report.MostExpensive = l
			}
		}
		report.AveragePrice = round2(total / float64(len(priced)))
	}

	return report
}

// Print writes the report in a human-readable layout.
func (s *ReportService) Print(w io.Writer, r *StoreReport) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  LISTING STORE REPORT\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	fmt.Fprintf(w, "\033[1;33m  Overview\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Total listings       : \033[1m%d\033[0m\n", r.TotalListings)
	fmt.Fprintf(w, "  Sold                 : \033[1m%d\033[0m\n", r.SoldListings)
	fmt.Fprintf(w, "  With images          : \033[1m%d\033[0m\n", r.WithImages)
	fmt.Fprintf(w, "  Detail sold checked  : \033[1m%d\033[0m\n", r.DetailChecked)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Data gaps\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Missing tags         : \033[1;31m%d\033[0m\n", r.MissingTags)
	fmt.Fprintf(w, "  Missing coordinates  : \033[1;31m%d\033[0m\n", r.MissingCoordinates)
	fmt.Fprintf(w, "  Failed jobs          : \033[1;31m%d\033[0m\n", r.FailedJobs)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Prices\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if r.AveragePrice > 0 {
		fmt.Fprintf(w, "  Average : \033[1;32m¥%.0f\033[0m\n", r.AveragePrice)
		fmt.Fprintf(w, "  Minimum : \033[1;32m¥%.0f\033[0m\n", r.MinPrice)
		fmt.Fprintf(w, "  Maximum : \033[1;32m¥%.0f\033[0m\n", r.MaxPrice)
		if r.MostExpensive != nil {
			fmt.Fprintf(w, "  Top     : %s\n", truncate(r.MostExpensive.Address, 44))
		}
	} else {
		fmt.Fprintf(w, "  No price data available\n")
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "\033[1;33m  Listings by layout\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if len(r.ListingsByLayout) == 0 {
		fmt.Fprintf(w, "  No layout data\n")
	} else {
		type layoutCount struct {
			layout string
			count  int
		}
		var rows []layoutCount
		for layout, cnt := range r.ListingsByLayout {
			rows = append(rows, layoutCount{layout, cnt})
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].count != rows[j].count {
				return rows[i].count > rows[j].count
			}
			return rows[i].layout < rows[j].layout
		})
		for _, lc := range rows {
			fmt.Fprintf(w, "  %-12s %s (%d)\n", truncate(lc.layout, 12), strings.Repeat("█", min(lc.count, 30)), lc.count)
		}
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
