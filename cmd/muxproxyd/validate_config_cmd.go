package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mcp-multiplex/muxproxy/internal/config"
)

var validateConfigPrint bool

func newValidateConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration file without starting the proxy",
		RunE:  runValidateConfig,
	}
	cmd.Flags().BoolVar(&validateConfigPrint, "print", false, "Print the effective (defaults-merged) configuration as YAML")
	return cmd
}

func runValidateConfig(_ *cobra.Command, _ []string) error {
	if configFile == "" {
		return fmt.Errorf("validate-config requires --config")
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: %d backend(s), %d plugin chain(s)\n", len(cfg.Backends), len(cfg.PluginChains))
	if validateConfigPrint {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal effective config: %w", err)
		}
		fmt.Println("---")
		fmt.Print(string(out))
	}
	return nil
}
