package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/systemshift/evees/internal/identity"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and identity",
	Long:  "Create the data directory and load or generate the ed25519 identity perspectives are signed with.",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir := viper.GetString("data_dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	id, err := identity.Load(viper.GetString("identity"))
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if _, err := cidConfig(); err != nil {
		return fmt.Errorf("cid config: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Data dir: %s\n", dataDir)
	fmt.Println(id.DID)
	return nil
}
