// Package cmd holds the evees command line.
package cmd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "evees",
	Short: "Content-addressed perspectives CLI",
	Long: "CLI for creating, editing, forking and merging perspectives " +
		"stored in a local evees remote.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ~/.config/evees/config.yaml)")
	flags.String("data-dir", "", "data directory (default: ~/.local/share/evees)")
	flags.String("remote", "", "id of the local remote")
	flags.String("buffer", "", "write buffer: memory (flush on exit) or badger (persistent)")
	flags.String("ipfs-api", "", "Kubo API URL used as entity mirror (empty disables)")
	flags.String("log-level", "", "log level")
	flags.Duration("debounce", 0, "delay before data updates are written")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("remote", flags.Lookup("remote"))
	viper.BindPFlag("buffer", flags.Lookup("buffer"))
	viper.BindPFlag("ipfs_api", flags.Lookup("ipfs-api"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("debounce", flags.Lookup("debounce"))
}

func initConfig() {
	if cfg := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.AddConfigPath(configDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("EVEES")
	viper.AutomaticEnv()
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("remote", "local")
	viper.SetDefault("buffer", "memory")
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("debounce", time.Duration(0))
	viper.SetDefault("identity", "")
	viper.SetDefault("cid.version", 1)
	viper.SetDefault("cid.codec", "raw")
	viper.SetDefault("cid.hash", "sha2-256")
	viper.SetDefault("cid.base", "base58btc")

	viper.ReadInConfig()
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "evees")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "evees")
	}
	return ".evees"
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "evees")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "evees")
	}
	return ".evees"
}
