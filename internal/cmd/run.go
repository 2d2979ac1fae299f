package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/swarmjit/internal/core"
)

var runCmd = &cobra.Command{
	Use:   "run <hash>",
	Short: "Fetch an artifact by hash and execute it",
	Long: `Fetch an artifact from the local store or the swarm and run its entry
point in the sandbox. Host calls beyond the safe core need capabilities.

Capabilities: read, write, net, fs, io, timers, heavyMath.

Examples:
  swarmjit run 3f2a...c9 --input 42
  swarmjit run 3f2a...c9 --input 1,2 --cap io,timers --timeout 500ms`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int64Slice("input", nil, "Integer arguments for the entry point")
	runCmd.Flags().StringSlice("cap", nil, "Capabilities to grant")
	runCmd.Flags().Int("priority", 0, "Job priority (higher runs first)")
	runCmd.Flags().Duration("timeout", 5*time.Second, "Execution time limit")
	runCmd.Flags().String("entry", "main", "Exported function to call")
	_ = v.BindPFlag("exec.timeout", runCmd.Flags().Lookup("timeout"))
	_ = v.BindPFlag("exec.entry", runCmd.Flags().Lookup("entry"))
}

type runOutput struct {
	JobID      string  `json:"jobId"`
	Outcome    string  `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	Output     []int64 `json:"output"`
	Printed    string  `json:"printed,omitempty"`
	DurationMs int64   `json:"durationMs"`
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	hash, err := core.ParseDigest(args[0])
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetInt64Slice("input")
	capNames, _ := cmd.Flags().GetStringSlice("cap")
	priority, _ := cmd.Flags().GetInt("priority")

	rt, err := assemble(ctx, len(loaded.Node.Bootstrap) > 0)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = rt.Node.Run(runCtx) }()

	res, err := rt.Node.Submit(ctx, hash, input, core.ParseCapabilities(capNames), priority)
	if err != nil {
		return err
	}

	out := runOutput{
		JobID:      res.JobID,
		Outcome:    res.Outcome.Kind.String(),
		Reason:     res.Outcome.Reason,
		Output:     res.Output,
		Printed:    res.Printed,
		DurationMs: res.DurationMs(),
	}
	if out.Output == nil {
		out.Output = []int64{}
	}
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
		return err
	}
	return res.Err()
}
