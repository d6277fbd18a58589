// Package timebucket implements the date arithmetic and canonical naming for
// time-bounded sub-tables ("buckets") of an append-only sample relation. All
// computations are performed in UTC: a bucket boundary is the same instant no
// matter which session-local timezone the surrounding code runs under.
package timebucket

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Granularity is the fixed width of every bucket under one parent table.
// Granularities are never mixed within a single catalog.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// TablePrefix is shared by every bucket table name, followed by a
// granularity-specific discriminator letter. The per-granularity formats are
// deliberately distinct so that names can never collide across granularities.
const TablePrefix = "smpl_"

// ParseGranularity maps the external `plan` parameter onto a Granularity,
// rejecting anything outside the fixed enum before any DDL is attempted.
func ParseGranularity(plan string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(plan)); g {
	case Day, Week, Month, Year:
		return g, nil
	default:
		return "", fmt.Errorf("unrecognized partitioning plan '%s': must be one of day|week|month|year", plan)
	}
}

// Validate allows a Granularity arriving via struct literal rather than
// ParseGranularity to be checked with identical semantics.
func (g Granularity) Validate() error {
	_, err := ParseGranularity(string(g))
	return err
}

// Truncate returns the granularity-aligned boundary at or before t.
// Weeks start on ISO Mondays.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()

	switch g {
	case Day:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	case Week:
		midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		daysPastMonday := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -daysPastMonday)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		panic(fmt.Sprintf("impossible(?) truncate request for unvalidated granularity '%s'", g))
	}
}

// Next advances t by exactly one granularity period. Calendar arithmetic, not
// a fixed duration: a "month" from Jan 31 is Feb 28/29 territory and the
// stdlib normalization rules apply, which is why callers only ever feed
// already-truncated boundaries through here.
func (g Granularity) Next(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Day:
		return t.AddDate(0, 0, 1)
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	case Year:
		return t.AddDate(1, 0, 0)
	default:
		panic(fmt.Sprintf("impossible(?) advance request for unvalidated granularity '%s'", g))
	}
}

// TableName derives the canonical bucket table name for the bucket starting
// at the (already truncated) boundary start. Derivation is stable: the same
// boundary always maps to the same name on every run.
func (g Granularity) TableName(start time.Time) string {
	start = start.UTC()
	switch g {
	case Day:
		return TablePrefix + "d" + start.Format("20060102")
	case Week:
		isoYear, isoWeek := start.ISOWeek()
		return fmt.Sprintf("%sw%04d_%02d", TablePrefix, isoYear, isoWeek)
	case Month:
		return TablePrefix + "m" + start.Format("200601")
	case Year:
		return TablePrefix + "y" + start.Format("2006")
	default:
		panic(fmt.Sprintf("impossible(?) naming request for unvalidated granularity '%s'", g))
	}
}

// Bucket is one half-open [Start, End) slice of the parent's time axis,
// backed by the physical table Table once materialized.
type Bucket struct {
	Start time.Time
	End   time.Time
	Table string
}

// Make constructs the bucket whose window contains t under granularity g.
func Make(g Granularity, t time.Time) Bucket {
	start := g.Truncate(t)
	return Bucket{
		Start: start,
		End:   g.Next(start),
		Table: g.TableName(start),
	}
}

// Contains reports whether t falls within the bucket's half-open window.
func (b Bucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// ParseTableName is the inverse of TableName: it recovers the granularity and
// window from a canonical bucket table name. Used to rebuild the full catalog
// from nothing but the physical tables present in the database.
func ParseTableName(name string) (Bucket, Granularity, bool) {
	if !strings.HasPrefix(name, TablePrefix) || len(name) < len(TablePrefix)+2 {
		return Bucket{}, "", false
	}
	rest := name[len(TablePrefix):]

	var g Granularity
	var start time.Time
	var err error

	switch rest[0] {

	case 'd':
		g = Day
		start, err = time.ParseInLocation("20060102", rest[1:], time.UTC)

	case 'm':
		g = Month
		start, err = time.ParseInLocation("200601", rest[1:], time.UTC)

	case 'y':
		g = Year
		start, err = time.ParseInLocation("2006", rest[1:], time.UTC)

	case 'w':
		g = Week
		parts := strings.SplitN(rest[1:], "_", 2)
		if len(parts) != 2 {
			return Bucket{}, "", false
		}
		isoYear, yErr := strconv.Atoi(parts[0])
		isoWeek, wErr := strconv.Atoi(parts[1])
		if yErr != nil || wErr != nil || isoWeek < 1 || isoWeek > 53 {
			return Bucket{}, "", false
		}
		// January 4th is always inside ISO week 1 of its year
		week1Monday := Week.Truncate(time.Date(isoYear, time.January, 4, 0, 0, 0, 0, time.UTC))
		start = week1Monday.AddDate(0, 0, (isoWeek-1)*7)
		gotYear, gotWeek := start.ISOWeek()
		if gotYear != isoYear || gotWeek != isoWeek {
			return Bucket{}, "", false
		}

	default:
		return Bucket{}, "", false
	}

	if err != nil || !start.Equal(g.Truncate(start)) {
		return Bucket{}, "", false
	}

	// round-trip guard: a name like smpl_d2012060 must not half-parse
	if g.TableName(start) != name {
		return Bucket{}, "", false
	}

	return Bucket{Start: start, End: g.Next(start), Table: g.TableName(start)}, g, true
}

// Span enumerates every bucket from the granularity-aligned boundary at or
// before begin through truncate( now + one granularity ) inclusive. The
// trailing bucket is the "always one ahead of real time" guarantee: a
// maintenance run firing just before a boundary still pre-creates the
// upcoming window.
func Span(g Granularity, begin, now time.Time) ([]Bucket, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	cursor := g.Truncate(begin)
	horizon := g.Truncate(g.Next(now.UTC()))

	var out []Bucket
	for !cursor.After(horizon) {
		out = append(out, Make(g, cursor))
		cursor = g.Next(cursor)
	}
	return out, nil
}

// Catalog is the ordered (ascending by Start) set of buckets known for one
// parent table. Lookups are by binary search over the sorted boundaries, so
// routing cost stays logarithmic as the bucket count grows over a system's
// lifetime.
type Catalog []Bucket

// Normalize sorts the given buckets ascending by window start and drops
// duplicates, yielding a well-formed Catalog.
func Normalize(buckets []Bucket) Catalog {
	sorted := make(Catalog, len(buckets))
	copy(sorted, buckets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	dedup := sorted[:0]
	for _, b := range sorted {
		if len(dedup) == 0 || dedup[len(dedup)-1].Table != b.Table {
			dedup = append(dedup, b)
		}
	}
	return dedup
}

// Locate finds the bucket whose window contains t, if any.
func (c Catalog) Locate(t time.Time) (Bucket, bool) {
	t = t.UTC()
	i := sort.Search(len(c), func(i int) bool { return t.Before(c[i].End) })
	if i < len(c) && c[i].Contains(t) {
		return c[i], true
	}
	return Bucket{}, false
}

// Overlapping returns the sub-slice of buckets intersecting the half-open
// query window [from, to). Client-side pendant of constraint exclusion.
func (c Catalog) Overlapping(from, to time.Time) Catalog {
	from, to = from.UTC(), to.UTC()
	lo := sort.Search(len(c), func(i int) bool { return from.Before(c[i].End) })
	hi := sort.Search(len(c), func(i int) bool { return !c[i].Start.Before(to) })
	if lo >= hi {
		return nil
	}
	return c[lo:hi]
}

// Validate asserts the hard invariant of non-overlapping windows and reports
// any coverage gaps between adjacent buckets. Overlap is fatal (two tables
// would claim the same instant); gaps merely mean a stretch of the time axis
// has no bucket, which the caller may tolerate or warn about.
func (c Catalog) Validate() (gaps []time.Time, err error) {
	for i := 1; i < len(c); i++ {
		prev, cur := c[i-1], c[i]
		if cur.Start.Before(prev.End) {
			return nil, fmt.Errorf(
				"buckets %s and %s have overlapping windows: [%s, %s) intersects [%s, %s)",
				prev.Table, cur.Table,
				prev.Start.Format(time.RFC3339), prev.End.Format(time.RFC3339),
				cur.Start.Format(time.RFC3339), cur.End.Format(time.RFC3339),
			)
		}
		if cur.Start.After(prev.End) {
			gaps = append(gaps, prev.End)
		}
	}
	return gaps, nil
}
