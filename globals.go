package pgsamplebs

import (
	"regexp"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

const (
	// ParentTableName is the logical append-only relation callers insert
	// into. After routing is installed it stores no rows of its own: it is
	// the schema template every bucket table structurally replicates, and
	// the attachment point for the routing trigger.
	ParentTableName = "sample"

	// DispatchRoutineName is the fixed, well-known name the generated
	// routing routine is (re)installed under. Repeated maintenance runs
	// always converge onto this single definition.
	DispatchRoutineName = "sample_route_insert"

	// DispatchTriggerName is the before-insert binding on the parent table
	// invoking the dispatch routine. Installed at most once per parent.
	DispatchTriggerName = "sample_route_trg"

	// SysinfoSchema holds deployment metadata shared by every archive
	// schema served from the same database.
	SysinfoSchema = "smpl_sysinfo"

	// MaintenanceLockStatement / MaintenanceUnlockStatement implement the
	// single-writer model: one session-level advisory lock keyed on the
	// parent table's OID, held for the duration of a synchronization run.
	MaintenanceLockStatement   = `SELECT PG_TRY_ADVISORY_LOCK( $1, TO_REGCLASS( $2 )::INTEGER )`
	MaintenanceUnlockStatement = `SELECT PG_ADVISORY_UNLOCK( $1, TO_REGCLASS( $2 )::INTEGER )`

	// PgLockOidVector is the (arbitrarily chosen) high-32bit discriminator
	// of our advisory lock keyspace.
	PgLockOidVector = 151000
)

var (
	// MaxPgxPoolSize caps the connection pool: this is a maintenance-style
	// workload, not a fan-out server.
	MaxPgxPoolSize = int32(16)

	log = logging.Logger("sample-bucketed-store")

	validPgIdentifier = regexp.MustCompile(`^[a-z][a-z_0-9]*$`)
)

var (
	// ErrInvalidGranularity rejects an unrecognized `plan` parameter before
	// any DDL is attempted.
	ErrInvalidGranularity = xerrors.New("invalid bucket granularity")

	// ErrTimestampOutOfRange is returned by the application-side routing
	// path for a sample timestamp outside every known bucket. The
	// database-side dispatch routine raises the equivalent condition for
	// foreign writers inserting through the parent table.
	ErrTimestampOutOfRange = xerrors.New("sample timestamp outside all known buckets")

	// ErrMaintenanceLockHeld means another synchronization run is already
	// holding the advisory lock for the same parent table.
	ErrMaintenanceLockHeld = xerrors.New("another maintenance run holds the bucket synchronization lock")

	// ErrStoreReadOnly rejects mutating operations on a store opened
	// without StoreIsWritable.
	ErrStoreReadOnly = xerrors.New("store is opened in read-only mode")
)
