package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	hostID          string
	hostName        string
	hostIP          string
	hostCluster     string
	hostSSHUser     string
	hostSSHPassword string
	hostSSHPort     int
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage the host inventory",
}

var hostAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a host to the inventory (run connect afterwards)",
	RunE:  runHostAdd,
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts, their status and tags",
	RunE:  runHostList,
}

var hostRemoveCmd = &cobra.Command{
	Use:   "remove <host-id>",
	Short: "Remove a host and its tags from the inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostRemove,
}

var hostPingCmd = &cobra.Command{
	Use:   "ping <host-id>",
	Short: "Ping the agent of a connected host",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostPing,
}

func init() {
	rootCmd.AddCommand(hostCmd)
	hostCmd.AddCommand(hostAddCmd, hostListCmd, hostRemoveCmd, hostPingCmd)

	hostAddCmd.Flags().StringVar(&hostID, "id", "", "Host id (generated when empty)")
	hostAddCmd.Flags().StringVar(&hostName, "name", "", "Host name")
	hostAddCmd.Flags().StringVar(&hostIP, "ip", "", "Management IP")
	hostAddCmd.Flags().StringVar(&hostCluster, "cluster", "", "Cluster id")
	hostAddCmd.Flags().StringVar(&hostSSHUser, "ssh-user", "root", "SSH user")
	hostAddCmd.Flags().StringVar(&hostSSHPassword, "ssh-password", "", "SSH password")
	hostAddCmd.Flags().IntVar(&hostSSHPort, "ssh-port", 22, "SSH port")
	hostAddCmd.MarkFlagRequired("ip")
	hostAddCmd.MarkFlagRequired("cluster")
}

func openRepository() (*db.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

func runHostAdd(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	id := hostID
	if id == "" {
		id = uuid.NewString()
	}
	name := hostName
	if name == "" {
		name = hostIP
	}

	h := &db.Host{
		ID:           id,
		Name:         name,
		ManagementIP: hostIP,
		ClusterID:    hostCluster,
		SSHUser:      hostSSHUser,
		SSHPassword:  hostSSHPassword,
		SSHPort:      hostSSHPort,
	}
	if err := repo.CreateHost(context.Background(), h); err != nil {
		return errors.Wrap(err, "add host failed")
	}

	fmt.Printf("Added host %s (%s) in cluster %s; connect it with: hostdriver connect %s --new\n", h.ID, h.ManagementIP, h.ClusterID, h.ID)
	return nil
}

func runHostList(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	ctx := context.Background()
	hosts, err := repo.ListHosts(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(hosts) == 0 {
		fmt.Println("No hosts found")
		return nil
	}

	fmt.Printf("%-38s %-16s %-14s %-14s %s\n", "ID", "MANAGEMENT IP", "CLUSTER", "STATUS", "TAGS")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, h := range hosts {
		tags, err := repo.Tags(ctx, h.ID)
		if err != nil {
			return errors.Wrap(err, "read tags failed")
		}
		fmt.Printf("%-38s %-16s %-14s %-14s %s\n", h.ID, h.ManagementIP, h.ClusterID, h.Status, formatTags(tags))
	}

	return nil
}

func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+tags[k])
	}
	return strings.Join(parts, " ")
}

func runHostRemove(cmd *cobra.Command, args []string) error {
	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.DeleteHost(context.Background(), args[0]); err != nil {
		return errors.Wrap(err, "remove host failed")
	}
	fmt.Printf("Removed host %s\n", args[0])
	return nil
}

func runHostPing(cmd *cobra.Command, args []string) error {
	return withDriver(false, func(ctx context.Context, rt *runtime) error {
		res, err := rt.driver.Handle(ctx, &host.Ping{On: host.On{HostID: args[0]}})
		if err != nil {
			return err
		}
		fmt.Printf("Host %s answered (agent reports %s)\n", args[0], res.(*agent.PingResponse).HostUUID)
		return nil
	})
}

// withDriver runs fn against a wired runtime and tears it down afterwards.
func withDriver(withConnector bool, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(ctx, cfg, withConnector)
	if err != nil {
		return err
	}
	defer rt.close()

	return fn(ctx, rt)
}
