package pgsamplebs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

// routeByBucket groups the given samples by the bucket table containing their
// timestamp, rendering each as a COPY row. A sample no bucket covers fails
// the whole batch: partial routing would silently drop data the dispatch
// routine is contractually obliged to reject loudly.
func routeByBucket(catalog timebucket.Catalog, samples []Sample) (map[string][][]interface{}, error) {

	routed := make(map[string][][]interface{}, 4)

	for i := range samples {
		b, found := catalog.Locate(samples[i].Time)
		if !found {
			return nil, xerrors.Errorf(
				"%s (channel %d): %w",
				samples[i].Time.UTC().Format(time.RFC3339), samples[i].ChannelID,
				ErrTimestampOutOfRange,
			)
		}
		routed[b.Table] = append(routed[b.Table], samples[i].copyRow())
	}

	return routed, nil
}

// InsertSamples is the in-process fast path: rows are routed to their bucket
// by binary search over the in-memory catalog and written with COPY straight
// into the bucket tables, bypassing the per-row trigger dispatch the parent
// table performs for foreign writers. The entire batch happens within a
// transaction, and either completes in its entirety or not at all.
func (sbs *PgSampleStore) InsertSamples(ctx context.Context, samples []Sample) (err error) {

	if !sbs.isWritable {
		return ErrStoreReadOnly
	}
	if len(samples) == 0 {
		return nil
	}

	routed, err := routeByBucket(sbs.Catalog(), samples)
	if err != nil {
		return err
	}

	// deterministic write order keeps deadlock potential against concurrent
	// batches at zero
	tables := make([]string, 0, len(routed))
	for t := range routed {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var tx pgx.Tx
	tx, err = sbs.dbPool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	defer func() {
		if tx != nil {
			if err == nil {
				err = tx.Commit(ctx)
			}
			if err != nil {
				log.Errorf("UNEXPECTED: error-induced rollback during sample batch insertion: %s", err)
				tx.Rollback(ctx)
			}
		}
	}()
	if err != nil {
		return xerrors.Errorf("failed to start transaction: %w", err)
	}

	for _, table := range tables {
		if _, err = tx.CopyFrom(
			ctx,
			pgx.Identifier{sbs.archiveSchema, table},
			sampleColumns,
			pgx.CopyFromRows(routed[table]),
		); err != nil {
			return xerrors.Errorf("bulk insertion into bucket %s.%s failed: %w", sbs.archiveSchema, table, err)
		}
	}

	return nil
}

// ReadSamples retrieves the ordered samples of one channel within the
// half-open window [from, to). Only bucket tables whose windows intersect the
// query window are scanned: the client-side pendant of the constraint
// exclusion the bounding CHECKs give server-side planners.
func (sbs *PgSampleStore) ReadSamples(ctx context.Context, channelID int64, from, to time.Time) ([]Sample, error) {

	buckets := sbs.Catalog().Overlapping(from, to)
	if len(buckets) == 0 {
		return nil, nil
	}

	// buckets are disjoint and ascending: scanning them in order yields
	// globally ordered results without a merge step
	selects := make([]string, 0, len(buckets))
	for _, b := range buckets {
		selects = append(selects, fmt.Sprintf(
			`SELECT %s FROM %s.%s WHERE channel_id = $1 AND smpl_time >= $2 AND smpl_time < $3 ORDER BY smpl_time, nanosecs`,
			strings.Join(sampleColumns, ", "),
			sbs.archiveSchema, b.Table,
		))
	}

	out := make([]Sample, 0, 256)

	for _, sel := range selects {
		rows, err := sbs.dbPool.Query(ctx, sel, channelID, from.UTC(), to.UTC())
		if err != nil {
			return nil, xerrors.Errorf("bucket range scan failed: %w", err)
		}

		for rows.Next() {
			var s Sample
			if err := rows.Scan(s.scanTargets()...); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return out, nil
}
