package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/fly-io/hostdriver/pkg/migrate"
	"github.com/spf13/cobra"
)

var (
	migrateJobs            []string
	migrateFromDestination bool
	migrateStoragePolicy   string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Live-migrate VMs between hosts",
	Long: `Migrates VMs between connected hosts. Each --job is vm:src:dst.

Jobs leaving the same source host run as one batch on that host; a failure
stops the rest of its batch.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringArrayVar(&migrateJobs, "job", nil, "Migration job vm:src-host:dst-host (repeatable)")
	migrateCmd.Flags().BoolVar(&migrateFromDestination, "from-destination", false, "Let the destination host drive the migration")
	migrateCmd.Flags().StringVar(&migrateStoragePolicy, "storage-policy", "", "Storage migration policy passed to the agent")
	migrateCmd.MarkFlagRequired("job")
}

// parseJobs groups jobs by source host, keeping first-seen order.
func parseJobs(specs []string) ([]string, map[string][]migrate.Request, error) {
	var order []string
	groups := make(map[string][]migrate.Request)
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, nil, errors.New(errors.KindInternal, "job %q is not vm:src-host:dst-host", s)
		}
		if parts[1] == parts[2] {
			return nil, nil, errors.New(errors.KindInternal, "job %q migrates to its own host", s)
		}
		src := parts[1]
		if _, ok := groups[src]; !ok {
			order = append(order, src)
		}
		groups[src] = append(groups[src], migrate.Request{
			VMID:            parts[0],
			SrcHostID:       src,
			DstHostID:       parts[2],
			FromDestination: migrateFromDestination,
			StoragePolicy:   migrateStoragePolicy,
		})
	}
	return order, groups, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	order, groups, err := parseJobs(migrateJobs)
	if err != nil {
		return err
	}

	return withDriver(false, func(ctx context.Context, rt *runtime) error {
		for _, src := range order {
			reqs := groups[src]
			slog.Info("migration_batch_started", "src_host_id", src, "vms", len(reqs))
			if _, err := rt.driver.Handle(ctx, &host.MigrateVM{On: host.On{HostID: src}, Requests: reqs}); err != nil {
				return errors.Wrap(err, fmt.Sprintf("migration batch from host %s failed", src))
			}
			for _, r := range reqs {
				fmt.Printf("Migrated VM %s: %s -> %s\n", r.VMID, r.SrcHostID, r.DstHostID)
			}
		}
		return nil
	})
}
