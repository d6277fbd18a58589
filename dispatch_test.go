package pgsamplebs

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/stretchr/testify/require"
)

func weekCatalog(t *testing.T, begin, now time.Time) timebucket.Catalog {
	t.Helper()
	span, err := timebucket.Span(timebucket.Week, begin, now)
	require.NoError(t, err)
	return timebucket.Normalize(span)
}

func TestDispatchRoutineStatement(t *testing.T) {
	cat := weekCatalog(t,
		time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2012, time.June, 15, 0, 0, 0, 0, time.UTC),
	)
	require.True(t, len(cat) >= 3)

	stmt := dispatchRoutineStatement("archive", cat)

	require.Contains(t, stmt, "CREATE OR REPLACE FUNCTION archive.sample_route_insert() RETURNS TRIGGER")
	require.Contains(t, stmt, "RAISE EXCEPTION")
	require.Contains(t, stmt, "RETURN NULL;")

	// every bucket gets a branch with its half-open window and target table
	for _, b := range cat {
		require.Contains(t, stmt, fmt.Sprintf("INSERT INTO archive.%s VALUES ( NEW.* );", b.Table))
		require.Contains(t, stmt, pgTimestampLiteral(b.Start))
		require.Contains(t, stmt, pgTimestampLiteral(b.End))
	}

	// most recent bucket is tested first, oldest last
	for i := 1; i < len(cat); i++ {
		older := strings.Index(stmt, cat[i-1].Table)
		newer := strings.Index(stmt, cat[i].Table)
		require.True(t, newer < older, "branch for %s must precede branch for %s", cat[i].Table, cat[i-1].Table)
	}

	// the failure branch comes after every routing branch
	raiseAt := strings.Index(stmt, "RAISE EXCEPTION")
	for _, b := range cat {
		require.True(t, strings.Index(stmt, b.Table) < raiseAt)
	}
}

func TestDispatchRoutineStatementDeterministic(t *testing.T) {
	// the content-hash rebuild guard relies on byte-identical regeneration
	// for an unchanged bucket set
	cat := weekCatalog(t,
		time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2012, time.July, 15, 0, 0, 0, 0, time.UTC),
	)

	require.Equal(t,
		dispatchRoutineStatement("archive", cat),
		dispatchRoutineStatement("archive", cat),
	)

	// a changed bucket set must change the statement
	require.NotEqual(t,
		dispatchRoutineStatement("archive", cat),
		dispatchRoutineStatement("archive", cat[:len(cat)-1]),
	)
}

func TestDispatchRoutineStatementSingleBucket(t *testing.T) {
	cat := timebucket.Catalog{timebucket.Make(timebucket.Year, time.Date(2012, time.March, 1, 0, 0, 0, 0, time.UTC))}

	stmt := dispatchRoutineStatement("archive", cat)

	require.Contains(t, stmt, "IF NEW.smpl_time >= TIMESTAMPTZ '2012-01-01 00:00:00+00'")
	require.Contains(t, stmt, "ELSE")
	require.NotContains(t, stmt, "ELSIF")
}

func TestDispatchRoutineStatementEmptyCatalog(t *testing.T) {
	stmt := dispatchRoutineStatement("archive", nil)

	// nothing to route: everything lands in the failure branch
	require.Contains(t, stmt, "RAISE EXCEPTION")
	require.NotContains(t, stmt, "IF NEW.smpl_time")
	require.NotContains(t, stmt, "INSERT INTO")
}

func TestPgTimestampLiteral(t *testing.T) {
	zone := time.FixedZone("UTC+9", 9*3600)
	require.Equal(t,
		`TIMESTAMPTZ '2012-05-31 18:00:00+00'`,
		pgTimestampLiteral(time.Date(2012, time.June, 1, 3, 0, 0, 0, zone)),
	)
}
