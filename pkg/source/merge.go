package source

import (
	"sort"
	"strings"
	"time"
)

type mergeKey struct {
	listing string
	week    time.Time
}

// Merge sums the counters of records that share a listing and week start.
// Source tags of merged records are joined with "+". The result is ordered
// by listing, then week descending.
func Merge(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}

	index := make(map[mergeKey]int)
	var out []Record
	tags := make(map[mergeKey][]string)

	for _, r := range records {
		k := mergeKey{listing: r.ListingID, week: Day(r.WeekStart)}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, r)
			tags[k] = []string{string(r.Source)}
			continue
		}
		m := &out[i]
		m.Appearances += r.Appearances
		m.Views += r.Views
		m.Bookings += r.Bookings
		if m.HostID == "" {
			m.HostID = r.HostID
		}
		if m.malformed == nil {
			m.malformed = r.malformed
		}
		if r.WeekEnd.After(m.WeekEnd) {
			m.WeekEnd = r.WeekEnd
		}
		tags[k] = append(tags[k], string(r.Source))
	}

	for k, i := range index {
		if len(tags[k]) > 1 {
			t := tags[k]
			sort.Strings(t)
			out[i].Source = Tag(strings.Join(t, "+"))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ListingID != out[j].ListingID {
			return out[i].ListingID < out[j].ListingID
		}
		return out[i].WeekStart.After(out[j].WeekStart)
	})
	return out
}
