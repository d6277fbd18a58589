package pgsamplebs

import (
	"context"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"
)

// BucketStat describes one physical bucket for operator consumption.
type BucketStat struct {
	Table      string
	Start      string
	End        string
	SizeBytes  int64
	ApproxRows int64
}

// PrettySize renders the on-disk footprint for humans.
func (bs BucketStat) PrettySize() string { return humanize.IBytes(uint64(bs.SizeBytes)) }

// PrettyRows renders the planner's row estimate for humans.
func (bs BucketStat) PrettyRows() string { return humanize.Comma(bs.ApproxRows) }

// BucketStats lists every physical bucket of the store's archive schema with
// its window, total on-disk size (data + indexes + toast) and the planner's
// row estimate. Estimates come from pg_class.reltuples and lag until the next
// (auto)analyze, which is plenty for capacity eyeballing.
func (sbs *PgSampleStore) BucketStats(ctx context.Context) ([]BucketStat, error) {

	rows, err := sbs.dbPool.Query(
		ctx,
		`
		SELECT
				t.tablename,
				PG_TOTAL_RELATION_SIZE( QUOTE_IDENT(t.schemaname) || '.' || QUOTE_IDENT(t.tablename) ),
				c.reltuples::BIGINT
			FROM pg_tables t
			JOIN pg_namespace n
				ON n.nspname = t.schemaname
			JOIN pg_class c
				ON c.relnamespace = n.oid AND c.relname = t.tablename
		WHERE t.schemaname = $1 AND t.tablename LIKE $2
		ORDER BY t.tablename
		`,
		sbs.archiveSchema,
		timebucket.TablePrefix+"%",
	)
	if err != nil {
		return nil, xerrors.Errorf("bucket statistics query failed: %w", err)
	}
	defer rows.Close()

	stats := make([]BucketStat, 0, 64)
	for rows.Next() {

		var st BucketStat
		if err := rows.Scan(&st.Table, &st.SizeBytes, &st.ApproxRows); err != nil {
			return nil, err
		}

		if b, _, ok := timebucket.ParseTableName(st.Table); ok {
			st.Start = b.Start.Format("2006-01-02")
			st.End = b.End.Format("2006-01-02")
		}

		stats = append(stats, st)
	}

	return stats, rows.Err()
}
