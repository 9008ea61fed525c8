package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hostdriver",
	Short: "KVM host driver - serialized agent commands for hypervisor hosts",
	Long: `Drives KVM hypervisor hosts through their agents: connects hosts, runs VM operations
serialized per host, migrates VMs and reconciles operations with an unknown outcome.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/hostdriver.db", "SQLite inventory path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Int("agent-port", 7070, "Host agent port")
	rootCmd.PersistentFlags().Int("workers", 64, "Scheduler worker pool size")
	rootCmd.PersistentFlags().String("management-callback-url", "http://127.0.0.1:8080/host/callback", "URL hosts report back to")
	rootCmd.PersistentFlags().Bool("skip-network-checks", false, "Skip DNS checks when connecting new hosts")
	rootCmd.PersistentFlags().String("ssh-key-path", "", "Private key offered before host passwords")
	rootCmd.PersistentFlags().String("s3-bucket", "hostdriver-agent-bundles", "S3 bucket holding agent bundles")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("agent-bundle-key", "agents/", "Agent bundle key, or prefix ending in / for the newest bundle")
	rootCmd.PersistentFlags().Int("gc-max-retries", 5, "Reconcile attempts before a GC record is given up")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("agent-port", rootCmd.PersistentFlags().Lookup("agent-port"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("management-callback-url", rootCmd.PersistentFlags().Lookup("management-callback-url"))
	viper.BindPFlag("skip-network-checks", rootCmd.PersistentFlags().Lookup("skip-network-checks"))
	viper.BindPFlag("ssh-key-path", rootCmd.PersistentFlags().Lookup("ssh-key-path"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("agent-bundle-key", rootCmd.PersistentFlags().Lookup("agent-bundle-key"))
	viper.BindPFlag("gc-max-retries", rootCmd.PersistentFlags().Lookup("gc-max-retries"))
}
