package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/spf13/cobra"
)

var (
	callNoStatusCheck bool
	callTimeout       time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <host-id> <path> [json-command]",
	Short: "Send a raw command to a host agent",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCall,
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().BoolVar(&callNoStatusCheck, "no-status-check", false, "Send even if the host is not connected")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "Agent timeout (0 uses the configured default)")
}

func runCall(cmd *cobra.Command, args []string) error {
	var body json.RawMessage
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return errors.New(errors.KindInternal, "command is not valid JSON")
		}
		body = json.RawMessage(args[2])
	}

	return withDriver(false, func(ctx context.Context, rt *runtime) error {
		res, err := rt.driver.Handle(ctx, &host.RawCall{
			On:            host.On{HostID: args[0]},
			Path:          args[1],
			Command:       body,
			Timeout:       callTimeout,
			NoStatusCheck: callNoStatusCheck,
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(res.(*agent.RawResponse).Fields, "", "  ")
		if err != nil {
			return errors.Wrap(err, "format response")
		}
		fmt.Println(string(out))
		return nil
	})
}
