package calendar

import (
	"sort"

	"github.com/md-rashed-zaman/bookingengine/services/booking-service/internal/model"
)

// Coalesce sorts intervals and merges the ones that overlap or touch. Empty intervals are
// dropped.
func Coalesce(in []model.Interval) []model.Interval {
	var b []model.Interval
	for _, iv := range in {
		if !iv.Empty() {
			b = append(b, iv)
		}
	}
	if len(b) == 0 {
		return nil
	}
	sort.Slice(b, func(i, j int) bool { return b[i].Start.Before(b[j].Start) })

	merged := make([]model.Interval, 0, len(b))
	for _, cur := range b {
		if len(merged) == 0 {
			merged = append(merged, cur)
			continue
		}
		last := &merged[len(merged)-1]
		if cur.Start.After(last.End) {
			merged = append(merged, cur)
			continue
		}
		if cur.End.After(last.End) {
			last.End = cur.End
		}
	}
	return merged
}

// Clip restricts blocks to base, dropping the ones outside it.
func Clip(base model.Interval, blocks []model.Interval) []model.Interval {
	var out []model.Interval
	for _, blk := range blocks {
		s, e := blk.Start, blk.End
		if !e.After(base.Start) || !s.Before(base.End) {
			continue
		}
		if s.Before(base.Start) {
			s = base.Start
		}
		if e.After(base.End) {
			e = base.End
		}
		if e.After(s) {
			out = append(out, model.Interval{Start: s, End: e})
		}
	}
	return out
}

// Subtract removes blocks from base and returns the remaining pieces in order.
func Subtract(base model.Interval, blocks []model.Interval) []model.Interval {
	if base.Empty() {
		return nil
	}
	merged := Coalesce(Clip(base, blocks))
	if len(merged) == 0 {
		return []model.Interval{base}
	}

	var out []model.Interval
	cursor := base.Start
	for _, m := range merged {
		if m.Start.After(cursor) {
			out = append(out, model.Interval{Start: cursor, End: m.Start})
		}
		if m.End.After(cursor) {
			cursor = m.End
		}
	}
	if base.End.After(cursor) {
		out = append(out, model.Interval{Start: cursor, End: base.End})
	}
	return out
}

// SubtractAll applies Subtract to every interval of a disjoint ordered set.
func SubtractAll(set, blocks []model.Interval) []model.Interval {
	var out []model.Interval
	for _, iv := range set {
		out = append(out, Subtract(iv, blocks)...)
	}
	return out
}

// Intersect returns the pairwise intersection of two disjoint ordered sets.
func Intersect(a, b []model.Interval) []model.Interval {
	var out []model.Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		s := a[i].Start
		if b[j].Start.After(s) {
			s = b[j].Start
		}
		e := a[i].End
		if b[j].End.Before(e) {
			e = b[j].End
		}
		if e.After(s) {
			out = append(out, model.Interval{Start: s, End: e})
		}
		if a[i].End.Before(b[j].End) {
			i++
		} else {
			j++
		}
	}
	return out
}
