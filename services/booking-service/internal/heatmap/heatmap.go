package heatmap

import (
	"math"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

type Band string

const (
	BandNone   Band = "none"
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
	BandRed    Band = "red"
)

// Thresholds are lower bounds on the available percentage (0-100) for each colour band.
type Thresholds struct {
	Green  float64
	Yellow float64
}

var DefaultThresholds = Thresholds{Green: 50, Yellow: 20}

func (t Thresholds) Band(total int, pct float64) Band {
	switch {
	case total == 0:
		return BandNone
	case pct >= t.Green:
		return BandGreen
	case pct >= t.Yellow:
		return BandYellow
	default:
		return BandRed
	}
}

// DaySlots is the generated slot list of one date.
type DaySlots struct {
	Date  string
	Slots []model.TimeSlot
}

type Stats struct {
	Date                string  `json:"date,omitempty"`
	Available           int     `json:"available"`
	Booked              int     `json:"booked"`
	Blocked             int     `json:"blocked"`
	Total               int     `json:"total"`
	AvailablePercentage float64 `json:"available_percentage"`
	Band                Band    `json:"band"`
}

type Summary struct {
	Days    []Stats `json:"days"`
	Overall Stats   `json:"overall"`
}

// Aggregate reduces per-day slots to counts, percentages and bands, plus a range total.
func Aggregate(days []DaySlots, th Thresholds) Summary {
	summary := Summary{Days: make([]Stats, 0, len(days))}
	for _, d := range days {
		available, booked, blocked := availability.Summarize(d.Slots)
		st := newStats(available, booked, blocked, th)
		st.Date = d.Date
		summary.Days = append(summary.Days, st)

		summary.Overall.Available += available
		summary.Overall.Booked += booked
		summary.Overall.Blocked += blocked
	}
	summary.Overall = newStats(summary.Overall.Available, summary.Overall.Booked, summary.Overall.Blocked, th)
	return summary
}

func newStats(available, booked, blocked int, th Thresholds) Stats {
	total := available + booked + blocked
	pct := Percentage(available, total)
	return Stats{
		Available:           available,
		Booked:              booked,
		Blocked:             blocked,
		Total:               total,
		AvailablePercentage: pct,
		Band:                th.Band(total, pct),
	}
}

// Percentage is available/total on a 0-100 scale rounded to two decimals. An empty day is 0.
func Percentage(available, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(available)*10000/float64(total)) / 100
}
