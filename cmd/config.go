package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"speakerd/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the speaker configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			var cerr *config.ConfigError
			if errors.As(err, &cerr) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", cerr.Field, cerr.Message)
			}
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (%d stations, storage at %s)\n",
			len(cfg.Network.Stations), cfg.Storage.Root)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  "Print the configuration merged from defaults, the config file, flags and SPEAKERD_* variables. Credentials in URLs are masked.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return writeConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// writeConfig prints cfg as YAML with URL credentials masked. cfg is not
// modified.
func writeConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	shown.Wireless.BridgeURL = maskURL(cfg.Wireless.BridgeURL)
	shown.Network.Stations = make([]string, len(cfg.Network.Stations))
	for i, s := range cfg.Network.Stations {
		shown.Network.Stations[i] = maskURL(s)
	}

	enc := yaml.NewEncoder(w)
	defer enc.Close()
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	return nil
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
