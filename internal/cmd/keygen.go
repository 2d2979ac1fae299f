package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmxmxh/swarmjit/internal/core"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <path>",
	Short: "Generate a node key and write it to path",
	Long: `Generate an Ed25519 node key in the libp2p key serialization and print
the peer ID it yields. Use it with --key-mode persist or provided.

Examples:
  swarmjit keygen ~/.config/swarmjit/node.key`,
	Args: cobra.ExactArgs(1),
	// keygen needs no node configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runKeygen,
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing key")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	path := args[0]
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	ident, err := core.GenerateIdentity()
	if err != nil {
		return err
	}
	if err := core.SavePrivateKey(path, ident.PrivKey); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), ident.ID.String())
	return nil
}
