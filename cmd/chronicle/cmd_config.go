package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/config"
)

var showSecrets bool

func init() {
	configListCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print secret values unmasked")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit configuration",
	Long: `Inspect and edit configuration.

Keys are dotted paths such as backend.mode or server.addr. The file may be
JSON (comments allowed), YAML or TOML, chosen by extension. Environment
variables (CHRONICLE_*) override the file; list shows the merged result.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List effective configuration values",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, !showSecrets)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}

		u := newUI(os.Stdout)
		for _, k := range config.Keys(values) {
			fmt.Fprintf(os.Stdout, "%s = %v\n", u.Label(k), values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Creates the file with defaults on first use.
		loadConfig()
		if err := config.SetValue(cfgPath, args[0], args[1]); err != nil {
			return err
		}
		display := args[1]
		if config.IsSecretKey(args[0]) {
			display = "***"
		}
		fmt.Fprintf(os.Stdout, "Set %s = %s\n", args[0], display)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file and data locations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		u := newUI(os.Stdout)
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("config:"), cfgPath)
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("database:"), cfg.DBPath())
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("run:"), cfg.RunDir())
		fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("server log:"), cfg.ServerLogPath())
		return nil
	},
}
