package pgsamplebs

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

// dispatchRoutineStatement generates the full CREATE OR REPLACE statement for
// the routing routine: one range test per bucket, most recent bucket first
// (fresh timestamps dominate the insert traffic, so they exit the chain
// earliest), terminated by an explicit exception for timestamps no bucket
// covers. RETURN NULL suppresses the original insert into the parent: rows
// live exclusively in the bucket tables.
func dispatchRoutineStatement(schema string, catalog timebucket.Catalog) string {

	var body strings.Builder

	for i := len(catalog) - 1; i >= 0; i-- {
		b := catalog[i]

		if i == len(catalog)-1 {
			body.WriteString("\tIF ")
		} else {
			body.WriteString("\tELSIF ")
		}

		fmt.Fprintf(
			&body,
			"NEW.smpl_time >= %s AND NEW.smpl_time < %s THEN\n\t\tINSERT INTO %s.%s VALUES ( NEW.* );\n",
			pgTimestampLiteral(b.Start), pgTimestampLiteral(b.End),
			schema, b.Table,
		)
	}

	raise := fmt.Sprintf(
		`RAISE EXCEPTION 'no bucket table in schema "%%" covers sample timestamp "%%"', '%s', NEW.smpl_time;`,
		schema,
	)

	if len(catalog) == 0 {
		body.WriteString("\t" + raise + "\n")
	} else {
		body.WriteString("\tELSE\n\t\t" + raise + "\n\tEND IF;\n")
	}

	return fmt.Sprintf(
		`
CREATE OR REPLACE FUNCTION %s.%s() RETURNS TRIGGER
	LANGUAGE plpgsql
AS $dispatch$
BEGIN
%s	RETURN NULL;
END $dispatch$
`,
		schema, DispatchRoutineName,
		body.String(),
	)
}

// rebuildDispatch replaces the routing routine for the given schema with one
// regenerated from the provided catalog, and makes sure the before-insert
// trigger binding it to the parent table is in place. The replacement is a
// full rebuild under the fixed routine name, so repeated runs converge onto
// a single canonical definition and stale branches cannot survive.
//
// The generated statement is content-hashed and the hash of the currently
// installed version is kept in the metadata singleton: when the bucket set
// has not changed the (comparatively expensive) CREATE OR REPLACE is skipped
// outright. The trigger check runs either way.
func (sbs *PgSampleStore) rebuildDispatch(ctx context.Context, schema string, catalog timebucket.Catalog) (err error) {

	statement := dispatchRoutineStatement(schema, catalog)
	statementSha := fmt.Sprintf("%x", sha256.Sum256([]byte(statement)))

	var installedSha *string
	err = sbs.dbPool.QueryRow(
		ctx,
		fmt.Sprintf(`SELECT metadata->'dispatchRoutineSha256'->>$1 FROM %s.schema_metadata`, SysinfoSchema),
		schema,
	).Scan(&installedSha)
	if err != nil && err != pgx.ErrNoRows {
		return xerrors.Errorf("retrieving installed dispatch routine hash failed: %w", err)
	}

	if installedSha != nil && *installedSha == statementSha {
		log.Debugf("dispatch routine %s.%s unchanged (%d buckets): replacement skipped", schema, DispatchRoutineName, len(catalog))
		return sbs.ensureDispatchTrigger(ctx, sbs.dbPool, schema)
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

	if _, err = tx.Exec(ctx, statement); err != nil {
		return xerrors.Errorf("replacement of dispatch routine %s.%s failed: %w", schema, DispatchRoutineName, err)
	}

	if err = sbs.ensureDispatchTrigger(ctx, tx, schema); err != nil {
		return err
	}

	if _, err = tx.Exec(
		ctx,
		fmt.Sprintf(
			`UPDATE %s.schema_metadata SET metadata = JSONB_SET( metadata, ARRAY['dispatchRoutineSha256', $1], TO_JSONB( $2::TEXT ), true )`,
			SysinfoSchema,
		),
		schema, statementSha,
	); err != nil {
		return xerrors.Errorf("recording dispatch routine hash failed: %w", err)
	}

	// routine, trigger and hash become visible as one unit
	if err = tx.Commit(ctx); err != nil {
		return xerrors.Errorf("failed commit of dispatch routine replacement: %w", err)
	}

	log.Infof("dispatch routine %s.%s rebuilt over %d bucket(s)", schema, DispatchRoutineName, len(catalog))
	return nil
}

// pgQuerier covers the overlap of pgx.Tx and *pgxpool.Pool this package
// needs: trigger maintenance runs both inside the replacement transaction and
// standalone on the pool.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

// ensureDispatchTrigger installs the before-insert binding from the parent
// table to the dispatch routine, but only if no trigger by the canonical name
// exists yet: installation is idempotent and happens at most once per parent
// lifetime, while the routine it invokes is refreshed independently.
func (sbs *PgSampleStore) ensureDispatchTrigger(ctx context.Context, db pgQuerier, schema string) error {

	err := db.QueryRow(
		ctx,
		`
		SELECT 42
			FROM pg_trigger tg
			JOIN pg_class tbl
				ON tg.tgrelid = tbl.oid
			JOIN pg_namespace ns
				ON tbl.relnamespace = ns.oid
		WHERE ns.nspname = $1 AND tbl.relname = $2 AND tg.tgname = $3
		`,
		schema, ParentTableName, DispatchTriggerName,
	).Scan(new(int))

	switch {

	case err == nil:
		// binding already in place, nothing to do
		return nil

	case err != pgx.ErrNoRows:
		return xerrors.Errorf("introspecting trigger %s on %s.%s failed: %w", DispatchTriggerName, schema, ParentTableName, err)
	}

	if _, err := db.Exec(
		ctx,
		fmt.Sprintf(
			`CREATE TRIGGER %s BEFORE INSERT ON %s.%s FOR EACH ROW EXECUTE PROCEDURE %s.%s()`,
			DispatchTriggerName, schema, ParentTableName, schema, DispatchRoutineName,
		),
	); err != nil {
		return xerrors.Errorf("installation of trigger %s on %s.%s failed: %w", DispatchTriggerName, schema, ParentTableName, err)
	}

	log.Infof("installed before-insert trigger %s on %s.%s", DispatchTriggerName, schema, ParentTableName)
	return nil
}
