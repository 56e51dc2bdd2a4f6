// Package trend derives direction and percent-change statistics for one
// numeric field from an entity's snapshot history.
package trend

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hazyhaar/vigie/monitor/internal/fieldpath"
	"github.com/hazyhaar/vigie/monitor/internal/store"
)

// Direction labels.
const (
	Up      = "up"
	Down    = "down"
	Stable  = "stable"
	Unknown = "unknown"
)

// Window lengths used for the reference points.
const (
	Window30 = 30 * 24 * time.Hour
	Window90 = 90 * 24 * time.Hour
)

// deadBand is the absolute 30-day change, in percent, below which a series
// is reported as stable.
var deadBand = decimal.NewFromInt(2)

var hundred = decimal.NewFromInt(100)

// Point is one numeric observation.
type Point struct {
	At    time.Time
	Value decimal.Decimal
}

// Stats is the trend summary of a series. Change fields are nil when no
// reference point exists or the reference value is zero.
type Stats struct {
	Current   *decimal.Decimal `json:"current,omitempty"`
	Change30d *decimal.Decimal `json:"change_30d,omitempty"`
	Change90d *decimal.Decimal `json:"change_90d,omitempty"`
	Trend     string           `json:"trend"`
	Points    int              `json:"points"`
}

// Compute summarises points as seen at now. Points after now are ignored.
// The reference for each window is the latest point at or before
// now minus the window, never a point inside the window.
func Compute(points []Point, now time.Time) Stats {
	ps := make([]Point, 0, len(points))
	for _, p := range points {
		if !p.At.After(now) {
			ps = append(ps, p)
		}
	}
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].At.Before(ps[j].At) })

	st := Stats{Trend: Unknown, Points: len(ps)}
	if len(ps) == 0 {
		return st
	}
	cur := ps[len(ps)-1].Value
	st.Current = &cur
	if len(ps) < 2 {
		return st
	}

	st.Change30d = change(ps, cur, now.Add(-Window30))
	st.Change90d = change(ps, cur, now.Add(-Window90))

	switch {
	case st.Change30d == nil:
	case st.Change30d.GreaterThan(deadBand):
		st.Trend = Up
	case st.Change30d.LessThan(deadBand.Neg()):
		st.Trend = Down
	default:
		st.Trend = Stable
	}
	return st
}

// change returns the percent change of cur against the latest point at or
// before cutoff. ps must be sorted by time.
func change(ps []Point, cur decimal.Decimal, cutoff time.Time) *decimal.Decimal {
	i := sort.Search(len(ps), func(i int) bool { return ps[i].At.After(cutoff) })
	if i == 0 {
		return nil
	}
	ref := ps[i-1].Value
	if ref.IsZero() {
		return nil
	}
	pct := cur.Sub(ref).Div(ref).Mul(hundred).Round(4)
	return &pct
}

// FromSnapshots extracts the value at path from every snapshot and computes
// the stats. Snapshots whose value is missing or non-numeric are skipped.
func FromSnapshots(snaps []*store.Snapshot, path fieldpath.Path, now time.Time) Stats {
	points := make([]Point, 0, len(snaps))
	for _, s := range snaps {
		v, err := s.Decode()
		if err != nil {
			continue
		}
		raw, ok := path.Resolve(v)
		if !ok {
			continue
		}
		n, ok := fieldpath.Number(raw)
		if !ok {
			continue
		}
		points = append(points, Point{At: time.UnixMilli(s.CapturedAt), Value: n})
	}
	return Compute(points, now)
}
