package timebucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParseGranularity(t *testing.T) {
	for _, plan := range []string{"day", "week", "month", "year", "DAY", "Week"} {
		g, err := ParseGranularity(plan)
		require.NoError(t, err)
		require.NoError(t, g.Validate())
	}

	for _, plan := range []string{"", "hour", "fortnight", "days"} {
		_, err := ParseGranularity(plan)
		require.Error(t, err, "plan '%s' must be rejected", plan)
	}
}

func TestTruncate(t *testing.T) {
	noon := time.Date(2012, time.June, 1, 12, 34, 56, 789, time.UTC) // a Friday

	require.Equal(t, utc(2012, time.June, 1), Day.Truncate(noon))
	require.Equal(t, utc(2012, time.May, 28), Week.Truncate(noon), "weeks start on ISO Mondays")
	require.Equal(t, utc(2012, time.June, 1), Month.Truncate(noon))
	require.Equal(t, utc(2012, time.January, 1), Year.Truncate(noon))

	// a Monday truncates to itself
	require.Equal(t, utc(2012, time.May, 28), Week.Truncate(utc(2012, time.May, 28)))

	// truncation is idempotent
	for _, g := range []Granularity{Day, Week, Month, Year} {
		b := g.Truncate(noon)
		require.Equal(t, b, g.Truncate(b))
	}
}

func TestTruncateNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	// 2012-06-01 03:00 +09:00 is 2012-05-31 18:00 UTC
	local := time.Date(2012, time.June, 1, 3, 0, 0, 0, zone)
	require.Equal(t, utc(2012, time.May, 31), Day.Truncate(local))
}

func TestTableNames(t *testing.T) {
	require.Equal(t, "smpl_d20120601", Day.TableName(utc(2012, time.June, 1)))
	require.Equal(t, "smpl_w2012_22", Week.TableName(utc(2012, time.May, 28)))
	require.Equal(t, "smpl_m201206", Month.TableName(utc(2012, time.June, 1)))
	require.Equal(t, "smpl_y2012", Year.TableName(utc(2012, time.January, 1)))

	// ISO year differs from the calendar year at the edges
	require.Equal(t, "smpl_w2009_53", Week.TableName(utc(2009, time.December, 28)))
	require.Equal(t, "smpl_w2013_01", Week.TableName(utc(2012, time.December, 31)))
}

func TestParseTableNameRoundTrip(t *testing.T) {
	starts := []time.Time{
		utc(2012, time.June, 1),
		utc(2009, time.December, 28),
		utc(2012, time.December, 31),
		utc(2000, time.February, 28),
	}

	for _, g := range []Granularity{Day, Week, Month, Year} {
		for _, s := range starts {
			want := Make(g, s)

			got, gotG, ok := ParseTableName(want.Table)
			require.True(t, ok, "name %s must parse", want.Table)
			require.Equal(t, g, gotG)
			require.Equal(t, want, got)
		}
	}
}

func TestParseTableNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{
		"",
		"sample",
		"smpl_",
		"smpl_x2012",
		"smpl_d2012060",       // truncated day
		"smpl_d20120632",      // no June 32nd
		"smpl_w2012",          // missing week ordinal
		"smpl_w2012_60",       // no week 60
		"smpl_w2012_00",       // weeks are 1-based
		"smpl_m2012",          // month too short
		"smpl_y12",            // year too short
		"smpl_d20120601_junk", // trailing garbage
	} {
		_, _, ok := ParseTableName(name)
		require.False(t, ok, "name '%s' must not parse", name)
	}
}

func TestSpanWeeklyForwardCoverage(t *testing.T) {
	// granularity = week, begin = 2012-06-01, "now" still on the same day:
	// the bucket containing begin plus the week ahead must both be planned
	begin := utc(2012, time.June, 1)
	now := time.Date(2012, time.June, 1, 15, 0, 0, 0, time.UTC)

	span, err := Span(Week, begin, now)
	require.NoError(t, err)
	require.Len(t, span, 2)
	require.Equal(t, "smpl_w2012_22", span[0].Table)
	require.Equal(t, "smpl_w2012_23", span[1].Table)
	require.Equal(t, utc(2012, time.May, 28), span[0].Start)
	require.Equal(t, utc(2012, time.June, 4), span[0].End)

	// coverage: every t in [begin, now] falls into exactly one bucket
	for probe := begin; !probe.After(now); probe = probe.Add(3 * time.Hour) {
		owners := 0
		for _, b := range span {
			if b.Contains(probe) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "probe %s", probe)
	}

	// no overlap
	_, err = Normalize(span).Validate()
	require.NoError(t, err)

	// forward safety: a bucket exists covering now + one granularity
	_, found := Normalize(span).Locate(Week.Next(now))
	require.True(t, found)

	// one week later the same begin yields exactly one additional bucket
	laterSpan, err := Span(Week, begin, now.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, laterSpan, 3)
	require.Equal(t, span, laterSpan[:2], "prior buckets derive unchanged")
	require.Equal(t, "smpl_w2012_24", laterSpan[2].Table)
}

func TestSpanSingleInstant(t *testing.T) {
	// begin == now still plans the current and the next bucket
	now := time.Date(2012, time.June, 15, 9, 30, 0, 0, time.UTC)

	span, err := Span(Month, now, now)
	require.NoError(t, err)
	require.Len(t, span, 2)
	require.Equal(t, "smpl_m201206", span[0].Table)
	require.Equal(t, "smpl_m201207", span[1].Table)
}

func TestSpanRejectsBadGranularity(t *testing.T) {
	_, err := Span(Granularity("hour"), utc(2012, time.June, 1), utc(2012, time.June, 2))
	require.Error(t, err)
}

func TestCatalogLocate(t *testing.T) {
	span, err := Span(Day, utc(2012, time.June, 1), utc(2012, time.June, 10))
	require.NoError(t, err)
	cat := Normalize(span)

	// start boundary is inclusive, end boundary is not
	b, found := cat.Locate(utc(2012, time.June, 3))
	require.True(t, found)
	require.Equal(t, "smpl_d20120603", b.Table)

	b, found = cat.Locate(utc(2012, time.June, 4).Add(-time.Nanosecond))
	require.True(t, found)
	require.Equal(t, "smpl_d20120603", b.Table)

	_, found = cat.Locate(utc(2012, time.May, 31))
	require.False(t, found)
	_, found = cat.Locate(cat[len(cat)-1].End)
	require.False(t, found)

	_, found = Catalog(nil).Locate(utc(2012, time.June, 3))
	require.False(t, found)
}

func TestCatalogOverlapping(t *testing.T) {
	span, err := Span(Day, utc(2012, time.June, 1), utc(2012, time.June, 10))
	require.NoError(t, err)
	cat := Normalize(span)

	hit := cat.Overlapping(utc(2012, time.June, 3), utc(2012, time.June, 5))
	require.Len(t, hit, 2)
	require.Equal(t, "smpl_d20120603", hit[0].Table)
	require.Equal(t, "smpl_d20120604", hit[1].Table)

	// a window straddling a bucket boundary mid-bucket still catches both sides
	hit = cat.Overlapping(
		utc(2012, time.June, 3).Add(12*time.Hour),
		utc(2012, time.June, 4).Add(12*time.Hour),
	)
	require.Len(t, hit, 2)

	require.Empty(t, cat.Overlapping(utc(2012, time.January, 1), utc(2012, time.February, 1)))
	require.Empty(t, cat.Overlapping(utc(2013, time.January, 1), utc(2013, time.February, 1)))
}

func TestNormalizeDedupes(t *testing.T) {
	a := Make(Week, utc(2012, time.June, 1))
	b := Make(Week, utc(2012, time.June, 8))

	cat := Normalize([]Bucket{b, a, b, a})
	require.Len(t, cat, 2)
	require.Equal(t, a, cat[0])
	require.Equal(t, b, cat[1])
}

func TestValidate(t *testing.T) {
	w1 := Make(Week, utc(2012, time.June, 1))
	w2 := Make(Week, utc(2012, time.June, 8))
	w4 := Make(Week, utc(2012, time.June, 22))

	gaps, err := Catalog{w1, w2}.Validate()
	require.NoError(t, err)
	require.Empty(t, gaps)

	// a hole between contiguous runs is reported, not fatal
	gaps, err = Catalog{w1, w2, w4}.Validate()
	require.NoError(t, err)
	require.Equal(t, []time.Time{w2.End}, gaps)

	// overlapping windows are fatal
	overlapping := Catalog{
		{Start: w1.Start, End: w1.End, Table: "smpl_w2012_22"},
		{Start: w1.Start.AddDate(0, 0, 3), End: w2.End, Table: "smpl_x_overlap"},
	}
	_, err = overlapping.Validate()
	require.Error(t, err)
}
