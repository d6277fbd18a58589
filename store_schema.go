package pgsamplebs

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/jackc/pgx/v4"
	"golang.org/x/xerrors"
)

const (
	// older versions might very well work, but this is what I developed against/tested with
	minimumPgVersion = 13_00_00
)

// sysinfoDDL is shared across every archive schema served from one database:
// deployment metadata plus the per-schema content hash of the currently
// installed dispatch routine.
func (sbs *PgSampleStore) sysinfoDDL() []string {
	return []string{

		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, SysinfoSchema),
		fmt.Sprintf(`COMMENT ON SCHEMA %s IS 'Deployment metadata for bucketed sample archives'`, SysinfoSchema),

		fmt.Sprintf(`
		DO $$
			BEGIN
				IF NOT EXISTS (SELECT 42 FROM pg_tables WHERE schemaname = '%s' AND tablename = 'schema_metadata') THEN
					CREATE TABLE %s.schema_metadata(
						singleton_row BOOL NOT NULL UNIQUE CONSTRAINT single_row_in_table CHECK ( singleton_row IS TRUE ),
						metadata JSONB NOT NULL
					);
					INSERT INTO %s.schema_metadata ( singleton_row, metadata )
						VALUES ( true, '{ "schemaVersionMajor": 1, "schemaVersionMinor": 0, "dispatchRoutineSha256": {} }' );
				END IF;
		END $$
		`, SysinfoSchema, SysinfoSchema, SysinfoSchema),
	}
}

// archiveDDL deploys the namespace a single bucketed archive lives in: the
// channel/severity/status lookup tables, and the parent sample table whose
// column set is the fixed contract with upstream writers and downstream
// readers. Bucket tables are NOT part of this: they are materialized lazily
// by Synchronize as their windows become reachable.
func (sbs *PgSampleStore) archiveDDL() []string {

	s := sbs.archiveSchema

	return []string{

		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, s),
		fmt.Sprintf(`COMMENT ON SCHEMA %s IS 'Append-only time-bucketed sample archive'`, s),

		//
		// lookup relations referenced by every bucket's foreign keys
		//
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.channel(
			channel_id BIGINT NOT NULL UNIQUE GENERATED ALWAYS AS IDENTITY,
			name TEXT NOT NULL UNIQUE,
			descr TEXT
		)
		`, s),
		fmt.Sprintf(`COMMENT ON TABLE %s.channel IS 'Process-variable channels feeding the archive'`, s),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.severity(
			severity_id BIGINT NOT NULL UNIQUE GENERATED ALWAYS AS IDENTITY,
			name TEXT NOT NULL UNIQUE
		)
		`, s),

		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.status(
			status_id BIGINT NOT NULL UNIQUE GENERATED ALWAYS AS IDENTITY,
			name TEXT NOT NULL UNIQUE
		)
		`, s),

		//
		// the parent: schema template and trigger attachment point, holds no
		// rows of its own once routing is installed
		//
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s(
			channel_id BIGINT NOT NULL REFERENCES %s.channel( channel_id ) ON DELETE CASCADE,
			smpl_time TIMESTAMP WITH TIME ZONE NOT NULL,
			nanosecs INTEGER NOT NULL CONSTRAINT valid_nanosecs CHECK ( nanosecs >= 0 AND nanosecs < 1000000000 ),
			severity_id BIGINT NOT NULL REFERENCES %s.severity( severity_id ) ON DELETE CASCADE,
			status_id BIGINT NOT NULL REFERENCES %s.status( status_id ) ON DELETE CASCADE,
			num_val BIGINT,
			float_val DOUBLE PRECISION,
			str_val TEXT,
			datatype CHAR(1),
			array_val DOUBLE PRECISION[]
		)
		`, s, ParentTableName, s, s, s),
		fmt.Sprintf(
			`COMMENT ON TABLE %s.%s IS 'Logical sample relation: physical rows live exclusively in the per-period bucket tables'`,
			s, ParentTableName,
		),

		fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_channel_time_nanosecs_idx ON %s.%s ( channel_id, smpl_time, nanosecs )`,
			ParentTableName, s, ParentTableName,
		),
	}
}

func (sbs *PgSampleStore) neededDeployDDL(ctx context.Context) ([]string, error) {

	var missingSysinfo, missingArchive bool

	err := sbs.dbPool.QueryRow(
		ctx,
		`SELECT 42 FROM pg_tables WHERE schemaname = $1 AND tablename = 'schema_metadata'`,
		SysinfoSchema,
	).Scan(new(int))

	switch {

	// no metadata table: nothing is deployed
	case err == pgx.ErrNoRows:
		missingSysinfo = true
		missingArchive = true

	case err != nil:
		return nil, err

	default:

		// metadata table is present: pull the version value
		var version int64
		err := sbs.dbPool.QueryRow(
			ctx,
			fmt.Sprintf(`SELECT metadata->'schemaVersionMajor' FROM %s.schema_metadata`, SysinfoSchema),
		).Scan(&version)

		switch {

		case err == pgx.ErrNoRows:
			// singleton row is not present, assume nothing is deployed
			missingSysinfo = true
			missingArchive = true

		case err != nil:
			return nil, err

		case version != 1:
			return nil, fmt.Errorf("TODO: unexpected existing schema version '%d', only '1' is currently understood", version)

		default:
			// version found, no errors, and it *is* as expected
			// check whether the configured archive namespace is present
			err = sbs.dbPool.QueryRow(
				ctx,
				`SELECT 42 FROM pg_tables WHERE schemaname = $1 AND tablename = $2`,
				sbs.archiveSchema, ParentTableName,
			).Scan(new(int))

			switch {

			case err == pgx.ErrNoRows:
				missingArchive = true

			case err != nil:
				return nil, err
			}
		}
	}

	ddl := make([]string, 0, 16)
	if missingSysinfo {
		ddl = append(ddl, sbs.sysinfoDDL()...)
	}
	if missingArchive {
		ddl = append(ddl, sbs.archiveDDL()...)
	}

	if len(ddl) == 0 {
		return nil, nil
	}

	return ddl, nil
}

func (sbs *PgSampleStore) deploy(ctx context.Context, ddl []string) (err error) {

	tx, err := sbs.dbPool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	defer func() {
		if err != nil && tx != nil {
			tx.Rollback(ctx)
		}
	}()
	if err != nil {
		return xerrors.Errorf("failed to start transaction: %w", err)
	}

	for _, statement := range ddl {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return xerrors.Errorf("deploy DDL execution failed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return xerrors.Errorf("failed commit of deploy transaction: %w", err)
	}

	return nil
}

const randBytesCount = 16

func randBytesAsHex() string {
	randBinName := make([]byte, randBytesCount)
	rand.Read(randBinName)
	return fmt.Sprintf("%x", randBinName)
}
