package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/spf13/cobra"
)

var (
	vmName      string
	vmCPUs      int
	vmMemoryMiB int64
	vmBootDev   []string
	vmStopType  string
	vmTimeout   time.Duration

	volumeUUID     string
	volumePath     string
	volumeDeviceID int
	volumeType     string
	volumeVirtio   bool
	volumeShare    bool
	volumeCache    string

	snapshotInstallPath string
	snapshotFull        bool
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Run VM operations on a host",
}

var vmStartCmd = &cobra.Command{
	Use:   "start <host-id> <vm-id>",
	Short: "Start a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.StartVM{On: on, VMID: vmID, VMName: vmName, CPUNum: vmCPUs, MemoryBytes: vmMemoryMiB << 20, BootDev: vmBootDev}
	}),
}

var vmStopCmd = &cobra.Command{
	Use:   "stop <host-id> <vm-id>",
	Short: "Stop a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.StopVM{On: on, VMID: vmID, Type: vmStopType, Timeout: vmTimeout}
	}),
}

var vmRebootCmd = &cobra.Command{
	Use:   "reboot <host-id> <vm-id>",
	Short: "Reboot a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.RebootVM{On: on, VMID: vmID, Timeout: vmTimeout}
	}),
}

var vmDestroyCmd = &cobra.Command{
	Use:   "destroy <host-id> <vm-id>",
	Short: "Destroy a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.DestroyVM{On: on, VMID: vmID}
	}),
}

var vmPauseCmd = &cobra.Command{
	Use:   "pause <host-id> <vm-id>",
	Short: "Pause a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.PauseVM{On: on, VMID: vmID, Timeout: vmTimeout}
	}),
}

var vmResumeCmd = &cobra.Command{
	Use:   "resume <host-id> <vm-id>",
	Short: "Resume a paused VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.ResumeVM{On: on, VMID: vmID, Timeout: vmTimeout}
	}),
}

var vmAttachCmd = &cobra.Command{
	Use:   "attach-volume <host-id> <vm-id>",
	Short: "Attach a data volume to a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.AttachVolume{On: on, VMID: vmID, Volume: volumeFromFlags()}
	}),
}

var vmDetachCmd = &cobra.Command{
	Use:   "detach-volume <host-id> <vm-id>",
	Short: "Detach a data volume from a VM",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.DetachVolume{On: on, VMID: vmID, Volume: volumeFromFlags()}
	}),
}

var vmSnapshotCmd = &cobra.Command{
	Use:   "snapshot <host-id> <vm-id>",
	Short: "Take a snapshot of a VM volume",
	Args:  cobra.ExactArgs(2),
	RunE: vmRun(func(on host.On, vmID string) host.Message {
		return &host.TakeSnapshot{
			On:           on,
			VMID:         vmID,
			VolumeID:     volumeUUID,
			VolumePath:   volumePath,
			InstallPath:  snapshotInstallPath,
			FullSnapshot: snapshotFull,
		}
	}),
}

var vmStateCmd = &cobra.Command{
	Use:   "state <host-id> <vm-id>...",
	Short: "Report the state of VMs on a host",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runVMState,
}

func init() {
	rootCmd.AddCommand(vmCmd)
	vmCmd.AddCommand(vmStartCmd, vmStopCmd, vmRebootCmd, vmDestroyCmd, vmPauseCmd, vmResumeCmd,
		vmAttachCmd, vmDetachCmd, vmSnapshotCmd, vmStateCmd)

	vmStartCmd.Flags().StringVar(&vmName, "name", "", "VM name")
	vmStartCmd.Flags().IntVar(&vmCPUs, "cpus", 1, "Number of vCPUs")
	vmStartCmd.Flags().Int64Var(&vmMemoryMiB, "memory-mib", 512, "Memory in MiB")
	vmStartCmd.Flags().StringSliceVar(&vmBootDev, "boot-dev", []string{"hd"}, "Boot device order")

	vmStopCmd.Flags().StringVar(&vmStopType, "type", "grace", "Stop type: grace or cold")
	for _, c := range []*cobra.Command{vmStopCmd, vmRebootCmd, vmPauseCmd, vmResumeCmd} {
		c.Flags().DurationVar(&vmTimeout, "timeout", 0, "Agent timeout (0 uses the configured default)")
	}

	for _, c := range []*cobra.Command{vmAttachCmd, vmDetachCmd, vmSnapshotCmd} {
		c.Flags().StringVar(&volumeUUID, "volume", "", "Volume UUID")
		c.Flags().StringVar(&volumePath, "install-path", "", "Volume install path")
		c.MarkFlagRequired("volume")
	}
	for _, c := range []*cobra.Command{vmAttachCmd, vmDetachCmd} {
		c.Flags().IntVar(&volumeDeviceID, "device-id", 1, "Device id")
		c.Flags().StringVar(&volumeType, "device-type", "file", "Device type")
		c.Flags().BoolVar(&volumeVirtio, "virtio", true, "Attach through virtio")
		c.Flags().BoolVar(&volumeShare, "shareable", false, "Volume is shareable")
		c.Flags().StringVar(&volumeCache, "cache-mode", "", "Disk cache mode")
	}
	vmSnapshotCmd.Flags().StringVar(&snapshotInstallPath, "snapshot-path", "", "Snapshot install path")
	vmSnapshotCmd.Flags().BoolVar(&snapshotFull, "full", false, "Take a full snapshot")
}

func volumeFromFlags() agent.VolumeTO {
	return agent.VolumeTO{
		VolumeUUID:  volumeUUID,
		InstallPath: volumePath,
		DeviceID:    volumeDeviceID,
		DeviceType:  volumeType,
		UseVirtio:   volumeVirtio,
		Shareable:   volumeShare,
		CacheMode:   volumeCache,
	}
}

// vmRun builds the RunE of a single-VM command.
func vmRun(build func(on host.On, vmID string) host.Message) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withDriver(false, func(ctx context.Context, rt *runtime) error {
			msg := build(host.On{HostID: args[0]}, args[1])
			res, err := rt.driver.Handle(ctx, msg)
			if err != nil {
				return err
			}
			switch r := res.(type) {
			case *agent.StartVMResponse:
				fmt.Printf("VM %s started on host %s (vnc port %d)\n", args[1], args[0], r.VNCPort)
			case *agent.TakeSnapshotResponse:
				fmt.Printf("Snapshot of volume %s: %s (%d bytes), volume now at %s\n",
					volumeUUID, r.SnapshotInstallPath, r.Size, r.NewVolumeInstallPath)
			default:
				fmt.Printf("%s of VM %s on host %s succeeded\n", msg.Kind(), args[1], args[0])
			}
			return nil
		})
	}
}

func runVMState(cmd *cobra.Command, args []string) error {
	return withDriver(false, func(ctx context.Context, rt *runtime) error {
		res, err := rt.driver.Handle(ctx, &host.CheckVMState{On: host.On{HostID: args[0]}, VMIDs: args[1:]})
		if err != nil {
			return err
		}
		states := res.(map[string]string)

		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		fmt.Printf("%-38s %s\n", "VM", "STATE")
		for _, id := range ids {
			fmt.Printf("%-38s %s\n", id, states[id])
		}
		return nil
	})
}
