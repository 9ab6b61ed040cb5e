// Package stats derives reading activity from the progress ledger.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/models"
)

// Window sizes accepted by GetReadingActivity, in days.
const (
	MinDays     = 30
	MaxDays     = 730
	DefaultDays = 365
)

// DailyStat is the pages read and sessions on one calendar day.
type DailyStat struct {
	Date      string `json:"date"`
	PagesRead int    `json:"pagesRead"`
	Sessions  int    `json:"sessions"`
}

// HourlyStat aggregates sessions by hour of day.
type HourlyStat struct {
	Hour     int    `json:"hour"`
	Label    string `json:"label"`
	Pages    int    `json:"pages"`
	Sessions int    `json:"sessions"`
}

// WeeklyStat aggregates a Monday-based week.
type WeeklyStat struct {
	Week      string `json:"week"`
	WeekStart string `json:"weekStart"`
	Pages     int    `json:"pages"`
	Sessions  int    `json:"sessions"`
}

// MonthlyStat aggregates a calendar month.
type MonthlyStat struct {
	Month          string `json:"month"`
	MonthKey       string `json:"monthKey"`
	Pages          int    `json:"pages"`
	BooksFinished  int    `json:"booksFinished"`
	AvgPagesPerDay int    `json:"avgPagesPerDay"`
}

// Streak counts consecutive reading days.
type Streak struct {
	Current      int     `json:"current"`
	Longest      int     `json:"longest"`
	LongestStart *string `json:"longestStart"`
	LongestEnd   *string `json:"longestEnd"`
}

// BestDay is the day with the most pages read; Date is nil when nothing was read.
type BestDay struct {
	Date      *string `json:"date"`
	PagesRead int     `json:"pagesRead"`
}

// Totals summarizes the whole window.
type Totals struct {
	TotalPages          int     `json:"totalPages"`
	TotalSessions       int     `json:"totalSessions"`
	DaysActive          int     `json:"daysActive"`
	TotalDays           int     `json:"totalDays"`
	AvgPagesPerDay      int     `json:"avgPagesPerDay"`
	AvgPagesOnActiveDay int     `json:"avgPagesOnActiveDay"`
	BestDay             BestDay `json:"bestDay"`
}

// Range is the inclusive date window the activity covers.
type Range struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Days      int    `json:"days"`
}

// ReadingActivity is the full analytics result for one window.
type ReadingActivity struct {
	Range   Range         `json:"range"`
	Daily   []DailyStat   `json:"daily"`
	Hourly  []HourlyStat  `json:"hourly"`
	Weekly  []WeeklyStat  `json:"weekly"`
	Monthly []MonthlyStat `json:"monthly"`
	Streak  Streak        `json:"streak"`
	Totals  Totals        `json:"totals"`
}

// ValidDays reports whether days is an accepted window size.
func ValidDays(days int) bool {
	return days >= MinDays && days <= MaxDays
}

func dateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func hourLabel(hour int) string {
	period := "AM"
	if hour >= 12 {
		period = "PM"
	}
	display := hour % 12
	if display == 0 {
		display = 12
	}
	return fmt.Sprintf("%d%s", display, period)
}

func weekStartMonday(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func clamp(p float64) float64 {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return math.Max(0, math.Min(1, p))
}

// FindBaseline returns the ledger entry with the smallest (recordedAt, id)
// across the whole catalog, or nil for an empty ledger. That entry marks the
// first book being added and never counts as reading.
func FindBaseline(entries []models.ProgressHistoryEntry) *models.ProgressHistoryEntry {
	var first *models.ProgressHistoryEntry
	for i := range entries {
		if first == nil || entries[i].Before(*first) {
			first = &entries[i]
		}
	}
	return first
}

// Compute builds the reading activity for the days-long window ending on
// now's UTC date. days must already be validated.
func Compute(books []models.Book, entries []models.ProgressHistoryEntry, days int, now time.Time) *ReadingActivity {
	nowUTC := now.UTC()
	endDay := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)
	startDay := endDay.AddDate(0, 0, -(days - 1))
	startKey, endKey := dateKey(startDay), dateKey(endDay)

	daily := make([]DailyStat, days)
	dayIndex := make(map[string]int, days)
	for i := 0; i < days; i++ {
		key := dateKey(startDay.AddDate(0, 0, i))
		daily[i] = DailyStat{Date: key}
		dayIndex[key] = i
	}

	hourly := make([]HourlyStat, 24)
	for h := range hourly {
		hourly[h] = HourlyStat{Hour: h, Label: hourLabel(h)}
	}

	catalog := make(map[string]struct{}, len(books))
	for _, b := range books {
		catalog[b.ID] = struct{}{}
	}
	// ledger rows of books outside the catalog (trashed) play no part
	known := make([]models.ProgressHistoryEntry, 0, len(entries))
	byBook := make(map[string][]models.ProgressHistoryEntry)
	for _, e := range entries {
		if _, ok := catalog[e.BookID]; !ok {
			continue
		}
		known = append(known, e)
		byBook[e.BookID] = append(byBook[e.BookID], e)
	}

	var baselineID uint64
	var baselineBook string
	if b := FindBaseline(known); b != nil {
		baselineID, baselineBook = b.ID, b.BookID
	}

	for _, book := range books {
		history := byBook[book.ID]
		if book.Pages <= 0 || len(history) == 0 {
			continue
		}
		sort.SliceStable(history, func(i, j int) bool { return history[i].Before(history[j]) })

		previous := 0.0
		for _, e := range history {
			current := clamp(e.ProgressPercent)
			if e.ID == baselineID && book.ID == baselineBook {
				previous = current
				continue
			}
			if current < previous {
				previous = current
				continue
			}

			pages := int(math.Round((current - previous) * float64(book.Pages)))
			previous = current
			if pages <= 0 {
				continue
			}

			at := e.RecordedAt.UTC()
			idx, ok := dayIndex[dateKey(at)]
			if !ok {
				continue
			}
			daily[idx].PagesRead += pages
			daily[idx].Sessions++
			hourly[at.Hour()].Pages += pages
			hourly[at.Hour()].Sessions++
		}
	}

	return &ReadingActivity{
		Range:   Range{StartDate: startKey, EndDate: endKey, Days: days},
		Daily:   daily,
		Hourly:  hourly,
		Weekly:  weeklyBuckets(daily),
		Monthly: monthlyBuckets(daily, books, startKey, endKey),
		Streak:  streaks(daily),
		Totals:  totals(daily),
	}
}

func weeklyBuckets(daily []DailyStat) []WeeklyStat {
	weekly := []WeeklyStat{}
	index := make(map[string]int)
	for _, d := range daily {
		day, _ := time.Parse(time.DateOnly, d.Date)
		monday := weekStartMonday(day)
		key := dateKey(monday)
		i, ok := index[key]
		if !ok {
			weekly = append(weekly, WeeklyStat{Week: monday.Format("Jan 2"), WeekStart: key})
			i = len(weekly) - 1
			index[key] = i
		}
		weekly[i].Pages += d.PagesRead
		weekly[i].Sessions += d.Sessions
	}
	return weekly
}

func monthlyBuckets(daily []DailyStat, books []models.Book, startKey, endKey string) []MonthlyStat {
	monthly := []MonthlyStat{}
	dayCounts := []int{}
	index := make(map[string]int)
	for _, d := range daily {
		key := d.Date[:7]
		i, ok := index[key]
		if !ok {
			day, _ := time.Parse(time.DateOnly, d.Date)
			monthly = append(monthly, MonthlyStat{Month: day.Format("Jan 2006"), MonthKey: key})
			dayCounts = append(dayCounts, 0)
			i = len(monthly) - 1
			index[key] = i
		}
		monthly[i].Pages += d.PagesRead
		dayCounts[i]++
	}

	for _, b := range books {
		if b.ReadAt == nil {
			continue
		}
		key := dateKey(*b.ReadAt)
		if key < startKey || key > endKey {
			continue
		}
		if i, ok := index[key[:7]]; ok {
			monthly[i].BooksFinished++
		}
	}

	for i := range monthly {
		if dayCounts[i] > 0 {
			monthly[i].AvgPagesPerDay = int(math.Round(float64(monthly[i].Pages) / float64(dayCounts[i])))
		}
	}
	return monthly
}

func streaks(daily []DailyStat) Streak {
	var s Streak
	for i := len(daily) - 1; i >= 0 && daily[i].PagesRead > 0; i-- {
		s.Current++
	}

	run, runStart := 0, 0
	for i, d := range daily {
		if d.PagesRead <= 0 {
			run = 0
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
		if run > s.Longest {
			s.Longest = run
			start, end := daily[runStart].Date, d.Date
			s.LongestStart, s.LongestEnd = &start, &end
		}
	}
	return s
}

func totals(daily []DailyStat) Totals {
	t := Totals{TotalDays: len(daily)}
	for _, d := range daily {
		t.TotalPages += d.PagesRead
		t.TotalSessions += d.Sessions
		if d.PagesRead > 0 {
			t.DaysActive++
		}
		if d.PagesRead > t.BestDay.PagesRead {
			date := d.Date
			t.BestDay = BestDay{Date: &date, PagesRead: d.PagesRead}
		}
	}
	if t.TotalDays > 0 {
		t.AvgPagesPerDay = int(math.Round(float64(t.TotalPages) / float64(t.TotalDays)))
	}
	if t.DaysActive > 0 {
		t.AvgPagesOnActiveDay = int(math.Round(float64(t.TotalPages) / float64(t.DaysActive)))
	}
	return t
}
