package pgsamplebs

import (
	"context"
	"fmt"
	"time"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

// SyncRequest carries the parameters of one maintenance run, mirroring the
// external invocation surface `( begin_time, schema, owner, plan )`. Schema
// and Owner fall back to the store's configured values when left empty.
type SyncRequest struct {
	Begin  time.Time              // walk granularity-aligned buckets forward from here
	Schema string                 // target namespace, defaults to the store's archive schema
	Owner  string                 // role to own newly created bucket tables, defaults to the configured BucketOwnerRole
	Plan   timebucket.Granularity // fixed bucket width: day | week | month | year
}

// Synchronize is the bucket maintenance operation, meant to be invoked by an
// external periodic trigger at least once per granularity period. It
//
//   - materializes a physical bucket table (bounding CHECK constraint, owner,
//     composite index, cascading foreign keys) for every granularity-aligned
//     window from Begin through truncate( now + one granularity ), leaving
//     already-present buckets untouched
//   - rebuilds the dispatch routine from the full set of physical buckets and
//     installs the before-insert trigger on the parent if absent
//
// Each bucket's objects are created in their own transaction, and the routine
// replacement runs in a separate transaction only after every creation has
// committed: a routed insert can never target a not-yet-committed bucket.
// Returns the count of newly created buckets. Re-running with identical
// arguments and no time advancing is a guaranteed no-op returning 0.
func (sbs *PgSampleStore) Synchronize(ctx context.Context, req SyncRequest) (createdCount int, err error) {

	if err := req.Plan.Validate(); err != nil {
		return 0, xerrors.Errorf("unrecognized plan '%s': %w", req.Plan, ErrInvalidGranularity)
	}

	schema := req.Schema
	if schema == "" {
		schema = sbs.archiveSchema
	}
	if !validPgIdentifier.MatchString(schema) {
		return 0, fmt.Errorf("provided schema '%s' does not match %s", schema, validPgIdentifier.String())
	}

	owner := req.Owner
	if owner == "" {
		owner = sbs.bucketOwnerRole
	}
	if owner != "" && !validPgIdentifier.MatchString(owner) {
		return 0, fmt.Errorf("provided owner role '%s' does not match %s", owner, validPgIdentifier.String())
	}

	if !sbs.isWritable {
		return 0, ErrStoreReadOnly
	}

	// Two simultaneous runs would race on the single named routine: the
	// entire operation happens under an advisory lock on the parent's OID.
	releaseLock, err := sbs.acquireMaintenanceLock(ctx, schema)
	if err != nil {
		return 0, err
	}
	defer releaseLock()

	span, err := timebucket.Span(req.Plan, req.Begin, time.Now())
	if err != nil {
		return 0, err
	}

	known, err := sbs.listBucketTables(ctx, schema)
	if err != nil {
		return 0, err
	}

	for _, b := range span {
		if _, alreadyPresent := known[b.Table]; alreadyPresent {
			continue
		}
		if err := sbs.createBucket(ctx, schema, owner, b); err != nil {
			return createdCount, err
		}
		known[b.Table] = b
		createdCount++
	}

	// The routine is regenerated from every physical bucket present, not
	// just this run's window: buckets materialized by earlier runs with an
	// earlier begin_time keep routing for their (old) timestamps.
	allBuckets := make([]timebucket.Bucket, 0, len(known))
	for _, b := range known {
		allBuckets = append(allBuckets, b)
	}
	catalog := timebucket.Normalize(allBuckets)

	gaps, err := catalog.Validate()
	if err != nil {
		return createdCount, xerrors.Errorf("bucket catalog for schema %s is inconsistent: %w", schema, err)
	}
	for _, gapStart := range gaps {
		log.Warnf(
			"bucket coverage gap in schema %s starting at %s: inserts within the gap will be rejected until a run covers it",
			schema, gapStart.Format(time.RFC3339),
		)
	}

	if err := sbs.rebuildDispatch(ctx, schema, catalog); err != nil {
		return createdCount, err
	}

	if schema == sbs.archiveSchema {
		sbs.setCatalog(catalog, req.Plan)
	}

	log.Infof(
		"synchronized %s.%s: %d bucket(s) created, dispatch covers %d bucket(s)",
		schema, ParentTableName, createdCount, len(catalog),
	)

	return createdCount, nil
}

// createBucket materializes one bucket as a structural subtype of the parent
// table: same columns via inheritance, plus the half-open bounding constraint
// the planner uses for constraint exclusion. Table, index, foreign keys and
// ownership all commit in a single transaction: the bucket either exists
// completely or not at all.
func (sbs *PgSampleStore) createBucket(ctx context.Context, schema, owner string, b timebucket.Bucket) (err error) {

	stmts := []string{

		fmt.Sprintf(
			`
			CREATE TABLE %s.%s (
				CONSTRAINT %s_smpl_time_range CHECK ( smpl_time >= %s AND smpl_time < %s )
			) INHERITS ( %s.%s )
			`,
			schema, b.Table,
			b.Table, pgTimestampLiteral(b.Start), pgTimestampLiteral(b.End),
			schema, ParentTableName,
		),

		fmt.Sprintf(
			`CREATE INDEX %s_channel_time_nanosecs_idx ON %s.%s ( channel_id, smpl_time, nanosecs )`,
			b.Table, schema, b.Table,
		),

		// FKs are not carried over by inheritance: re-state the parent's,
		// same cascade semantics
		fmt.Sprintf(
			`ALTER TABLE %s.%s ADD CONSTRAINT %s_channel_fk FOREIGN KEY ( channel_id ) REFERENCES %s.channel ( channel_id ) ON DELETE CASCADE`,
			schema, b.Table, b.Table, schema,
		),
		fmt.Sprintf(
			`ALTER TABLE %s.%s ADD CONSTRAINT %s_severity_fk FOREIGN KEY ( severity_id ) REFERENCES %s.severity ( severity_id ) ON DELETE CASCADE`,
			schema, b.Table, b.Table, schema,
		),
		fmt.Sprintf(
			`ALTER TABLE %s.%s ADD CONSTRAINT %s_status_fk FOREIGN KEY ( status_id ) REFERENCES %s.status ( status_id ) ON DELETE CASCADE`,
			schema, b.Table, b.Table, schema,
		),
	}

	if owner != "" {
		stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %s.%s OWNER TO %s`, schema, b.Table, owner))
	}

	tx, err := sbs.dbPool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	defer func() {
		if err != nil && tx != nil {
			tx.Rollback(ctx)
		}
	}()
	if err != nil {
		return xerrors.Errorf("failed to start transaction: %w", err)
	}

	for _, statement := range stmts {
		if _, err = tx.Exec(ctx, statement); err != nil {
			// a missing lookup relation or nonexistent owner role lands here:
			// fatal for the run, nothing of this bucket is left behind
			return xerrors.Errorf("creation of bucket %s.%s [%s, %s) failed: %w",
				schema, b.Table,
				b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339),
				err,
			)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return xerrors.Errorf("failed commit of bucket %s.%s creation: %w", schema, b.Table, err)
	}

	log.Infof("created bucket %s.%s covering [%s, %s)",
		schema, b.Table, b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))

	return nil
}

// listBucketTables returns every physical bucket currently present in the
// given schema, keyed by table name, by parsing the canonical names back
// into their windows.
func (sbs *PgSampleStore) listBucketTables(ctx context.Context, schema string) (map[string]timebucket.Bucket, error) {

	rows, err := sbs.dbPool.Query(
		ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = $1 AND tablename LIKE $2`,
		schema,
		timebucket.TablePrefix+"%",
	)
	if err != nil {
		return nil, xerrors.Errorf("listing bucket tables of schema %s failed: %w", schema, err)
	}
	defer rows.Close()

	known := make(map[string]timebucket.Bucket, 64)
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, err
		}
		b, _, ok := timebucket.ParseTableName(tableName)
		if !ok {
			log.Warnf("table %s.%s carries the bucket prefix but is not a canonical bucket name: ignored", schema, tableName)
			continue
		}
		known[tableName] = b
	}

	return known, rows.Err()
}

// RefreshCatalog re-derives the in-memory bucket catalog from the physical
// tables present in the store's archive schema. Called on startup and usable
// by long-lived readers whenever an external maintenance run may have added
// buckets.
func (sbs *PgSampleStore) RefreshCatalog(ctx context.Context) error {

	known, err := sbs.listBucketTables(ctx, sbs.archiveSchema)
	if err != nil {
		return err
	}

	var g timebucket.Granularity
	buckets := make([]timebucket.Bucket, 0, len(known))
	for name, b := range known {
		_, bucketG, _ := timebucket.ParseTableName(name)
		if g == "" {
			g = bucketG
		} else if g != bucketG {
			return fmt.Errorf(
				"schema %s mixes bucket granularities ('%s' and '%s'): one parent table supports exactly one plan",
				sbs.archiveSchema, g, bucketG,
			)
		}
		buckets = append(buckets, b)
	}

	catalog := timebucket.Normalize(buckets)
	if _, err := catalog.Validate(); err != nil {
		return xerrors.Errorf("bucket catalog for schema %s is inconsistent: %w", sbs.archiveSchema, err)
	}

	sbs.setCatalog(catalog, g)
	return nil
}

// acquireMaintenanceLock takes the session-level advisory lock implementing
// the single-writer maintenance model. The lock lives on a dedicated pooled
// connection which is pinned until the returned release func runs.
func (sbs *PgSampleStore) acquireMaintenanceLock(ctx context.Context, schema string) (release func(), err error) {

	conn, err := sbs.dbPool.Acquire(ctx)
	if err != nil {
		return nil, xerrors.Errorf("maintenance lock connection acquire failed: %w", err)
	}
	defer func() {
		if err != nil {
			conn.Release()
		}
	}()

	parentRegclass := schema + "." + ParentTableName

	var lockSuccess *bool
	err = conn.QueryRow(ctx, MaintenanceLockStatement, PgLockOidVector, parentRegclass).Scan(&lockSuccess)
	if err != nil {
		return nil, xerrors.Errorf("error while attempting advisory lock over OID of %s: %w", parentRegclass, err)
	}
	if lockSuccess == nil {
		// TO_REGCLASS() returned NULL: the parent is not there at all
		return nil, fmt.Errorf("parent table %s does not exist: schema was never deployed for this namespace", parentRegclass)
	}
	if !*lockSuccess {
		return nil, ErrMaintenanceLockHeld
	}

	return func() {
		if _, unlockErr := conn.Exec(context.Background(), MaintenanceUnlockStatement, PgLockOidVector, parentRegclass); unlockErr != nil {
			log.Errorf("UNEXPECTED: failed to release maintenance advisory lock over %s: %s", parentRegclass, unlockErr)
		}
		conn.Release()
	}, nil
}

func pgTimestampLiteral(t time.Time) string {
	return fmt.Sprintf(`TIMESTAMPTZ '%s'`, t.UTC().Format("2006-01-02 15:04:05+00"))
}
