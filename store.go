package pgsamplebs

import (
	"context"
	"fmt"
	"sync"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/jackc/pgx/v4/pgxpool"
	"golang.org/x/xerrors"
)

// PgSampleStoreConfig is the struct the user passes to NewPgSampleStore. It
// is not referenced after the initialization.
type PgSampleStoreConfig struct {
	PgxConnectString string // as understood by pgx, e.g. postgres:///{{dbname}}?host=/var/run/postgresql&user={{uname}}&password={{pass}}
	ArchiveSchema    string // namespace holding the parent sample table, its lookup tables and every bucket table
	BucketOwnerRole  string // role assigned as owner of newly created bucket tables, overridable per synchronization run
	StoreIsWritable  bool   // by default stores are opened in Read-Only mode, set to true to be able to write as well
	AutoUpdateSchema bool   // deploy needed base-schema changes if any ( noop unless StoreIsWritable )
}

// PgSampleStore maintains a time-bucketed, append-only sample archive in a
// PostgreSQL RDBMS. The logical `sample` relation is split into physical
// sub-tables ("buckets") of a fixed calendar granularity, each bounded by a
// CHECK constraint on smpl_time so the planner can exclude buckets outside a
// query's time predicate.
//
// The store offers two insert paths:
//   - foreign writers INSERT into the parent table and are redirected by a
//     generated before-insert trigger routine, rebuilt on every maintenance
//     run to cover exactly the current bucket set
//   - this library's own writers route in-process via a binary search over
//     the in-memory bucket catalog and COPY straight into the bucket tables
type PgSampleStore struct {
	isWritable      bool
	archiveSchema   string
	bucketOwnerRole string
	dbPool          *pgxpool.Pool

	catalogMu          sync.RWMutex
	catalog            timebucket.Catalog
	catalogGranularity timebucket.Granularity
}

// NewPgSampleStore connects to the configured PostgreSQL instance, verifies
// the server version, and ensures the base schema (lookup tables, parent
// sample table, deployment metadata) is in the proper deployed state, all in
// line with the provided PgSampleStoreConfig.
func NewPgSampleStore(ctx context.Context, cfg PgSampleStoreConfig) (bucketedSampleStore *PgSampleStore, err error) {

	if cfg.ArchiveSchema == "" || !validPgIdentifier.MatchString(cfg.ArchiveSchema) {
		return nil, fmt.Errorf("provided archive schema '%s' does not match %s", cfg.ArchiveSchema, validPgIdentifier.String())
	}
	if cfg.BucketOwnerRole != "" && !validPgIdentifier.MatchString(cfg.BucketOwnerRole) {
		return nil, fmt.Errorf("provided bucket owner role '%s' does not match %s", cfg.BucketOwnerRole, validPgIdentifier.String())
	}

	sbs := &PgSampleStore{
		isWritable:      cfg.StoreIsWritable,
		archiveSchema:   cfg.ArchiveSchema,
		bucketOwnerRole: cfg.BucketOwnerRole,
	}

	var dbConnCfg *pgxpool.Config
	dbConnCfg, err = pgxpool.ParseConfig(cfg.PgxConnectString)
	if err != nil {
		return nil, xerrors.Errorf("failed to parse connection string '%s': %w", cfg.PgxConnectString, err)
	}

	if !sbs.isWritable {
		dbConnCfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "TRUE"
	}
	if dbConnCfg.MaxConns > MaxPgxPoolSize {
		dbConnCfg.MaxConns = MaxPgxPoolSize
	}

	var dbPool *pgxpool.Pool
	dbPool, err = pgxpool.ConnectConfig(ctx, dbConnCfg)
	defer func() {
		if err != nil && dbPool != nil {
			dbPool.Close()
		}
	}()
	if err != nil {
		return nil, xerrors.Errorf("failed to connect to '%s': %w", cfg.PgxConnectString, err)
	}
	sbs.dbPool = dbPool

	var currentPgVersion int32
	err = dbPool.QueryRow(ctx, `SELECT CURRENT_SETTING('server_version_num')::INTEGER`).Scan(&currentPgVersion)
	if err != nil {
		return nil, xerrors.Errorf("retrieving server version failed: %w", err)
	}
	if currentPgVersion < minimumPgVersion {
		return nil, fmt.Errorf(
			"code was tested on PostgreSQL version %d only: change the source if you want to try running on the older version %d",
			minimumPgVersion, currentPgVersion,
		)
	}

	// Check if write perms are missing due to external factors ( e.g. replica )
	// and force RO, which in turn shuts off the mutating codepaths
	if sbs.isWritable {
		if _, tempCreateErr := dbPool.Exec(ctx, fmt.Sprintf(
			"CREATE TEMPORARY TABLE %s ( pk INTEGER ) ON COMMIT DROP",
			"tmptable_"+randBytesAsHex(),
		)); tempCreateErr != nil {

			// We might have errored for a lot of reasons: double check we are still alive
			if err = dbPool.QueryRow(ctx, `SELECT CURRENT_SETTING('server_version_num')::INTEGER`).Scan(new(int32)); err != nil {
				return nil, xerrors.Errorf("connection entered unexpected faulty state during writability check: %w", err)
			}

			log.Warnf("temporary table creation failed even though StoreIsWritable was set: forcing store back to ReadOnly mode: %s", tempCreateErr)
			sbs.isWritable = false
		}
	}

	neededDDL, err := sbs.neededDeployDDL(ctx)
	if err != nil {
		return nil, xerrors.Errorf("failed to determine current deployed schema status: %w", err)
	}

	if neededDDL != nil {

		if !sbs.isWritable {
			return nil, fmt.Errorf(
				"unable to continue: connecting in ReadOnly mode requires that the %s.%s parent table and all associated dependencies have been already deployed",
				sbs.archiveSchema, ParentTableName,
			)
		}

		if !cfg.AutoUpdateSchema {
			return nil, xerrors.New(
				"unable to continue: currently-deployed schema does not (partially) match the expected state, and AutoUpdateSchema is not enabled",
			)
		}

		if err = sbs.deploy(ctx, neededDDL); err != nil {
			return nil, err
		}
	}

	if err = sbs.RefreshCatalog(ctx); err != nil {
		return nil, xerrors.Errorf("initial bucket catalog load failed: %w", err)
	}

	return sbs, nil
}

// Close releases the database connection. The store can not be used again
// after it has been closed.
func (sbs *PgSampleStore) Close() error {
	if sbs == nil {
		return nil
	}
	log.Infof("shut down of %T(%p) begins", sbs, sbs)
	sbs.dbPool.Close()
	log.Infof("shut down of %T(%p) completed", sbs, sbs)
	return nil
}

// PgxPool returns a reference to the underlying pgx.Pool
func (sbs *PgSampleStore) PgxPool() *pgxpool.Pool { return sbs.dbPool }

// ArchiveSchema returns the namespace this store serves.
func (sbs *PgSampleStore) ArchiveSchema() string { return sbs.archiveSchema }

// IsWritable indicates that the store was configured to be Writable
// and we are connected to a RDBMS in a way permitting writes.
func (sbs *PgSampleStore) IsWritable() bool { return sbs.isWritable }

// Catalog returns a point-in-time copy of the currently loaded bucket set,
// ascending by window start.
func (sbs *PgSampleStore) Catalog() timebucket.Catalog {
	sbs.catalogMu.RLock()
	defer sbs.catalogMu.RUnlock()
	out := make(timebucket.Catalog, len(sbs.catalog))
	copy(out, sbs.catalog)
	return out
}

func (sbs *PgSampleStore) setCatalog(cat timebucket.Catalog, g timebucket.Granularity) {
	sbs.catalogMu.Lock()
	sbs.catalog = cat
	sbs.catalogGranularity = g
	sbs.catalogMu.Unlock()
}
