package metrics

import (
	"time"

	"github.com/elonfeng/listingwatch/pkg/source"
)

// DefaultWindow is the number of prior weeks used for rolling averages.
const DefaultWindow = 4

// Snapshot holds one week's counters and the rates derived from them.
type Snapshot struct {
	Appearances         int64 `json:"appearances"`
	Views               int64 `json:"views"`
	Bookings            int64 `json:"bookings"`
	ViewRate            Value `json:"view_rate"`
	ConversionRate      Value `json:"conversion_rate"`
	SearchToBookingRate Value `json:"search_to_booking_rate"`
	WoWAppearances      Value `json:"wow_appearances_pct"`
	WoWViews            Value `json:"wow_views_pct"`
	WoWBookings         Value `json:"wow_bookings_pct"`
}

// Baseline summarises the trailing window of prior weeks.
type Baseline struct {
	Weeks          int   `json:"weeks"`
	AvgAppearances Value `json:"avg_appearances"`
	AvgViews       Value `json:"avg_views"`
	AvgBookings    Value `json:"avg_bookings"`
	ViewRate       Value `json:"view_rate"`
	ConversionRate Value `json:"conversion_rate"`
}

// Derived is the metrics record for one listing-week.
type Derived struct {
	ListingID string    `json:"listing_id"`
	WeekStart time.Time `json:"week_start"`
	Current   Snapshot  `json:"current"`
	Baseline  Baseline  `json:"baseline"`
}

// Compute derives rates, rolling averages and week-over-week changes for
// current. prior must be reverse-chronological; records for other listings or
// not strictly before the current week are ignored, and at most window
// records are used (DefaultWindow when window < 1).
func Compute(current source.Record, prior []source.Record, window int) Derived {
	if window < 1 {
		window = DefaultWindow
	}

	week := source.Day(current.WeekStart)
	var hist []source.Record
	for _, p := range prior {
		if len(hist) == window {
			break
		}
		if p.ListingID != current.ListingID || !source.Day(p.WeekStart).Before(week) {
			continue
		}
		hist = append(hist, p)
	}

	d := Derived{
		ListingID: current.ListingID,
		WeekStart: week,
		Current:   snapshot(current),
		Baseline:  baseline(hist),
	}

	if len(hist) > 0 {
		prev := hist[0]
		d.Current.WoWAppearances = PercentChange(current.Appearances, prev.Appearances)
		d.Current.WoWViews = PercentChange(current.Views, prev.Views)
		d.Current.WoWBookings = PercentChange(current.Bookings, prev.Bookings)
	}
	return d
}

func snapshot(r source.Record) Snapshot {
	return Snapshot{
		Appearances:         r.Appearances,
		Views:               r.Views,
		Bookings:            r.Bookings,
		ViewRate:            Ratio(float64(r.Views), float64(r.Appearances)),
		ConversionRate:      Ratio(float64(r.Bookings), float64(r.Views)),
		SearchToBookingRate: Ratio(float64(r.Bookings), float64(r.Appearances)),
	}
}

func baseline(hist []source.Record) Baseline {
	var appearances, views, bookings float64
	for _, h := range hist {
		appearances += float64(h.Appearances)
		views += float64(h.Views)
		bookings += float64(h.Bookings)
	}
	n := float64(len(hist))
	return Baseline{
		Weeks:          len(hist),
		AvgAppearances: Ratio(appearances, n),
		AvgViews:       Ratio(views, n),
		AvgBookings:    Ratio(bookings, n),
		ViewRate:       Ratio(views, appearances),
		ConversionRate: Ratio(bookings, views),
	}
}

// PercentChange returns (cur-prev)/prev*100, Undefined when prev is zero.
func PercentChange(cur, prev int64) Value {
	if prev == 0 {
		return Undefined
	}
	return Defined(float64(cur-prev) / float64(prev) * 100)
}
