// Package interval implements half-open time interval arithmetic over UTC
// epoch-milliseconds: merging, subtracting, and computing missing ranges
// against a cron cadence with lookback and restatements.
package interval

import (
	"sort"

	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// Interval is a half-open [StartMS, EndMS) range. StartMS must be strictly
// less than EndMS.
type Interval struct {
	StartMS int64
	EndMS   int64
}

// List is a sorted, disjoint list of Intervals. All functions in this
// package both accept and return Lists in that normalized form.
type List []Interval

func (l List) Len() int           { return len(l) }
func (l List) Less(i, j int) bool { return l[i].StartMS < l[j].StartMS }
func (l List) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

func (l List) Clone() List {
	out := make(List, len(l))
	copy(out, l)
	return out
}

// validate rejects a malformed interval up front.
func validate(start, end int64) error {
	if start >= end {
		return &sqlerrors.InvalidInterval{StartMS: start, EndMS: end, Reason: "start must be strictly before end"}
	}
	return nil
}

// Add merges [start,end) into existing, coalescing adjacent and overlapping
// ranges. Adjacency means end == next.start (half-open ranges that touch
// are coalesced, not left as two pieces).
func Add(existing List, start, end int64) (List, error) {
	if err := validate(start, end); err != nil {
		return nil, err
	}
	merged := append(existing.Clone(), Interval{StartMS: start, EndMS: end})
	return normalize(merged), nil
}

// MergeTwo returns the union of two interval lists.
func MergeTwo(a, b List) List {
	merged := append(a.Clone(), b...)
	return normalize(merged)
}

// normalize sorts and coalesces overlapping/adjacent intervals.
func normalize(in List) List {
	if len(in) == 0 {
		return List{}
	}
	sorted := in.Clone()
	sort.Sort(sorted)
	out := make(List, 0, len(sorted))
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if next.StartMS <= cur.EndMS {
			if next.EndMS > cur.EndMS {
				cur.EndMS = next.EndMS
			}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

// Remove subtracts [start,end) from existing, splitting any interval that
// strictly contains it into at most two pieces.
func Remove(existing List, start, end int64) (List, error) {
	if err := validate(start, end); err != nil {
		return nil, err
	}
	out := make(List, 0, len(existing))
	for _, iv := range existing {
		if end <= iv.StartMS || start >= iv.EndMS {
			// No overlap.
			out = append(out, iv)
			continue
		}
		if start > iv.StartMS {
			out = append(out, Interval{StartMS: iv.StartMS, EndMS: start})
		}
		if end < iv.EndMS {
			out = append(out, Interval{StartMS: end, EndMS: iv.EndMS})
		}
	}
	sort.Sort(out)
	return out, nil
}

// Subtract returns target \ existing: the portions of [start,end) not
// covered by existing, as a normalized list of sub-ranges.
func Subtract(existing List, start, end int64) List {
	out := List{Interval{StartMS: start, EndMS: end}}
	for _, iv := range existing {
		var next List
		for _, cur := range out {
			if iv.EndMS <= cur.StartMS || iv.StartMS >= cur.EndMS {
				next = append(next, cur)
				continue
			}
			if iv.StartMS > cur.StartMS {
				next = append(next, Interval{StartMS: cur.StartMS, EndMS: iv.StartMS})
			}
			if iv.EndMS < cur.EndMS {
				next = append(next, Interval{StartMS: iv.EndMS, EndMS: cur.EndMS})
			}
		}
		out = next
	}
	sort.Sort(out)
	return out
}

// Contains reports whether ms falls inside some interval of l ([start,end)).
func (l List) Contains(ms int64) bool {
	for _, iv := range l {
		if ms >= iv.StartMS && ms < iv.EndMS {
			return true
		}
	}
	return false
}

// Missing computes the missing sub-ranges of [start,end) against existing,
// a cadence step (daily/hourly/... derived from cron, in milliseconds), a
// lookback count of cadence steps, and a restatements set (by snapshot
// name). snapshotName is used only to test restatements membership.
//
// The rules:
//  1. Snap start/end to the cadence boundaries.
//  2. Compute [start,end) \ existing.
//  3. If lookback > 0, additionally mark the most recent `lookback` cadence
//     steps at or before the newest completed boundary as missing, unless
//     they lie beyond end.
//  4. If snapshotName is in restatements, the entire snapped [start,end) is
//     missing regardless of existing coverage.
func Missing(existing List, start, end int64, cadenceMS int64, lookback int, snapshotName string, restatements map[string]bool) (List, error) {
	if cadenceMS <= 0 {
		return nil, &sqlerrors.InvalidInterval{StartMS: start, EndMS: end, Reason: "cadence must be positive"}
	}
	snappedStart := snapFloor(start, cadenceMS)
	snappedEnd := snapCeil(end, cadenceMS)
	if snappedStart >= snappedEnd {
		return List{}, nil
	}

	if restatements != nil && restatements[snapshotName] {
		return List{{StartMS: snappedStart, EndMS: snappedEnd}}, nil
	}

	missing := Subtract(existing, snappedStart, snappedEnd)

	if lookback > 0 {
		newestBoundary := snappedEnd
		lookbackStart := newestBoundary - int64(lookback)*cadenceMS
		if lookbackStart < snappedStart {
			lookbackStart = snappedStart
		}
		if lookbackStart < newestBoundary && lookbackStart < snappedEnd {
			lookbackEnd := newestBoundary
			if lookbackEnd > snappedEnd {
				lookbackEnd = snappedEnd
			}
			missing = MergeTwo(missing, List{{StartMS: lookbackStart, EndMS: lookbackEnd}})
		}
	}

	return missing, nil
}

// snapFloor rounds ms down to the nearest cadence boundary.
func snapFloor(ms, cadenceMS int64) int64 {
	if ms%cadenceMS == 0 {
		return ms
	}
	if ms >= 0 {
		return ms - ms%cadenceMS
	}
	return ms - (ms%cadenceMS + cadenceMS)%cadenceMS
}

// snapCeil rounds ms up to the nearest cadence boundary.
func snapCeil(ms, cadenceMS int64) int64 {
	floor := snapFloor(ms, cadenceMS)
	if floor == ms {
		return ms
	}
	return floor + cadenceMS
}

// Chunk splits a List into batches of at most batchSteps cadence steps each,
// used by the scheduler to bound backfill batch size.
func Chunk(l List, cadenceMS int64, batchSteps int) []List {
	if batchSteps <= 0 {
		return []List{l}
	}
	maxSpan := int64(batchSteps) * cadenceMS
	var batches []List
	for _, iv := range l {
		start := iv.StartMS
		for start < iv.EndMS {
			end := start + maxSpan
			if end > iv.EndMS {
				end = iv.EndMS
			}
			batches = append(batches, List{{StartMS: start, EndMS: end}})
			start = end
		}
	}
	return batches
}
