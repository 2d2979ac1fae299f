package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a swarm node",
	Long: `Start a node: listen for peers, join the DHT, and serve compile, fetch
and execute requests until interrupted.

Examples:
  swarmjit serve --listen /ip4/0.0.0.0/tcp/4001 --key-mode persist --key-path node.key
  swarmjit serve --bootstrap /ip4/10.0.0.5/tcp/4001/p2p/12D3KooW... --dht-server
  swarmjit serve --relay-service --dht-server`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringSlice("listen", nil, "Listen multiaddrs")
	serveCmd.Flags().Bool("dht-server", false, "Answer DHT queries from other peers")
	serveCmd.Flags().Int("workers", 0, "Concurrent executions (default: number of CPUs)")
	serveCmd.Flags().Bool("relay-service", false, "Relay circuits for peers that cannot be dialed directly")
	_ = v.BindPFlag("node.listen", serveCmd.Flags().Lookup("listen"))
	_ = v.BindPFlag("node.dht_server", serveCmd.Flags().Lookup("dht-server"))
	_ = v.BindPFlag("exec.workers", serveCmd.Flags().Lookup("workers"))
	_ = v.BindPFlag("node.relay_service", serveCmd.Flags().Lookup("relay-service"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := assemble(ctx, true)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	logger.Info("serving",
		zap.Stringer("peer", rt.Host.ID()),
		zap.Int("peers", rt.Directory.Peers().Len()),
		zap.Uint64("memory_budget", rt.Pool.Budget()))
	for _, a := range rt.Host.P2PAddrs() {
		fmt.Fprintln(cmd.OutOrStdout(), a.String())
	}

	err = rt.Node.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}
