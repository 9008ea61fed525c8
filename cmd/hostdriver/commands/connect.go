package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/spf13/cobra"
)

var connectNewHost bool

var connectCmd = &cobra.Command{
	Use:   "connect <host-id>",
	Short: "Connect a host: provision the agent, collect facts and check cluster compatibility",
	Long: `Runs the connection protocol against a host from the inventory.

With --new the first-attach checks also run: DNS reachability from the host and
compatibility of its libvirt, qemu-img and CPU model with the rest of the cluster.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)
	connectCmd.Flags().BoolVar(&connectNewHost, "new", false, "Run the first-attach checks")
}

func runConnect(cmd *cobra.Command, args []string) error {
	return withDriver(true, func(ctx context.Context, rt *runtime) error {
		slog.Info("connect_requested", "host_id", args[0], "new_host", connectNewHost)
		if _, err := rt.driver.Handle(ctx, &host.Connect{On: host.On{HostID: args[0]}, NewHost: connectNewHost}); err != nil {
			return err
		}

		tags, err := rt.repo.Tags(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Host %s connected\n", args[0])
		fmt.Printf("  libvirt:  %s\n", orDash(tags[host.TagLibvirtVersion]))
		fmt.Printf("  qemu-img: %s\n", orDash(tags[host.TagQemuImgVersion]))
		fmt.Printf("  cpu:      %s\n", orDash(tags[host.TagCPUModel]))
		return nil
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
