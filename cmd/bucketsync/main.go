// Command bucketsync is the operational wrapper around the bucket
// maintenance operation: hook `bucketsync sync` into cron (or any periodic
// scheduler) at least once per granularity period and the archive stays one
// bucket ahead of real time.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	pgsamplebs "github.com/scada-archive/go-sample-postgres-bucketed"
	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/spf13/cobra"
)

var (
	flagConnect string
	flagSchema  string
	flagOwner   string
	flagPlan    string
	flagBegin   string
)

func main() {

	rootCmd := &cobra.Command{
		Use:           "bucketsync",
		Short:         "Maintain the time-bucketed sub-tables of a PostgreSQL sample archive",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flagConnect, "db", os.Getenv("PGSAMPLEBS_DB"), "pgx connection string (defaults to $PGSAMPLEBS_DB)")
	rootCmd.PersistentFlags().StringVar(&flagSchema, "schema", "archive", "namespace holding the sample archive")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Materialize missing bucket tables and rebuild the insert dispatch routine",
		RunE:  runSync,
	}
	syncCmd.Flags().StringVar(&flagPlan, "plan", "month", "bucket granularity: day|week|month|year")
	syncCmd.Flags().StringVar(&flagBegin, "begin", "", "start of the bucketed range, YYYY-MM-DD or RFC3339 (required)")
	syncCmd.Flags().StringVar(&flagOwner, "owner", "", "role to own newly created bucket tables")
	cobra.CheckErr(syncCmd.MarkFlagRequired("begin"))

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "List the physical buckets with their windows and on-disk sizes",
		RunE:  runStatus,
	}

	rootCmd.AddCommand(syncCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseBegin(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func runSync(cmd *cobra.Command, _ []string) error {

	plan, err := timebucket.ParseGranularity(flagPlan)
	if err != nil {
		return err
	}

	begin, err := parseBegin(flagBegin)
	if err != nil {
		return fmt.Errorf("unparseable --begin value '%s': %w", flagBegin, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := pgsamplebs.NewPgSampleStore(ctx, pgsamplebs.PgSampleStoreConfig{
		PgxConnectString: flagConnect,
		ArchiveSchema:    flagSchema,
		BucketOwnerRole:  flagOwner,
		StoreIsWritable:  true,
		AutoUpdateSchema: true,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	created, err := store.Synchronize(ctx, pgsamplebs.SyncRequest{
		Begin: begin,
		Owner: flagOwner,
		Plan:  plan,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%d bucket(s) created\n", created)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := pgsamplebs.NewPgSampleStore(ctx, pgsamplebs.PgSampleStoreConfig{
		PgxConnectString: flagConnect,
		ArchiveSchema:    flagSchema,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.BucketStats(ctx)
	if err != nil {
		return err
	}

	if len(stats) == 0 {
		fmt.Println("no buckets materialized yet")
		return nil
	}

	fmt.Printf("%-20s %-12s %-12s %12s %14s\n", "TABLE", "FROM", "TO", "SIZE", "~ROWS")
	for _, st := range stats {
		fmt.Printf("%-20s %-12s %-12s %12s %14s\n", st.Table, st.Start, st.End, st.PrettySize(), st.PrettyRows())
	}
	return nil
}
