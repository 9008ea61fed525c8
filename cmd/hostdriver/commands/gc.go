package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/hostdriver/pkg/bootstrap"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	gcStatus string
	gcKeep   string
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Inspect operations with an unknown outcome and clean local leftovers",
}

var gcListCmd = &cobra.Command{
	Use:   "list",
	Short: "List GC records",
	RunE:  runGCList,
}

var gcCleanCmd = &cobra.Command{
	Use:   "clean-work-dir",
	Short: "Remove staged agent bundles from the work directory",
	Long: `Removes downloaded agent bundles and their extracted directories from work-dir.
  --keep <file>   Keep one bundle (and its staging directory) by file name`,
	RunE: runGCClean,
}

func init() {
	rootCmd.AddCommand(gcCmd)
	gcCmd.AddCommand(gcListCmd, gcCleanCmd)
	gcListCmd.Flags().StringVar(&gcStatus, "status", db.GCPending, "Record status: pending, reconciled or failed")
	gcCleanCmd.Flags().StringVar(&gcKeep, "keep", "", "Bundle file name to keep")
}

func runGCList(cmd *cobra.Command, args []string) error {
	switch gcStatus {
	case db.GCPending, db.GCReconciled, db.GCFailed:
	default:
		return fmt.Errorf("unknown status %q", gcStatus)
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	recs, err := repo.ListGC(context.Background(), gcStatus)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(recs) == 0 {
		fmt.Printf("No %s GC records\n", gcStatus)
		return nil
	}

	fmt.Printf("%-38s %-38s %-38s %-28s %-8s %s\n", "ID", "HOST", "VM", "PATH", "ATTEMPTS", "REASON")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, rec := range recs {
		vmID := rec.VMID
		if vmID == "" {
			vmID = "-"
		}
		fmt.Printf("%-38s %-38s %-38s %-28s %-8d %s\n",
			rec.ID, rec.HostID, vmID, rec.Path, rec.Attempts, rec.Reason)
	}

	return nil
}

func runGCClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(cfg.WorkDir)
	if os.IsNotExist(err) {
		fmt.Println("Work directory is empty")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read work directory")
	}

	keepDir := ""
	if gcKeep != "" {
		keepDir, err = bootstrap.StagingDirOf(filepath.Join(cfg.WorkDir, gcKeep))
		if err != nil {
			return err
		}
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		staged := entry.IsDir() && strings.HasPrefix(name, "agent-")
		bundle := !entry.IsDir() && storage.IsBundleKey(name)
		if !staged && !bundle {
			continue
		}
		if name == gcKeep || name == keepDir {
			continue
		}

		if err := os.RemoveAll(filepath.Join(cfg.WorkDir, name)); err != nil {
			fmt.Printf("⚠️  Failed to remove %s: %v\n", name, err)
			continue
		}
		fmt.Printf("🗑️  Removed %s\n", name)
		removed++
	}

	fmt.Printf("✅ Removed %d leftovers from %s\n", removed, cfg.WorkDir)
	return nil
}
