package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration after defaults, file, and environment overrides.`,
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	manager, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	out, err := yaml.Marshal(manager.Get())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	manager, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	fmt.Fprintln(cmd.OutOrStdout(), manager.Path())
	return nil
}
