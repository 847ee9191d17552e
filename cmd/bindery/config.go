package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bindery/internal/api"
	"github.com/jackzampolin/bindery/internal/config"
	"github.com/jackzampolin/bindery/internal/home"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var forceInit bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to the home directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		path := cfgFile
		if path == "" {
			path = h.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
BINDERY_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		cm, err := config.NewManager(cfgFile, h.Path(), nil)
		if err != nil {
			return err
		}
		if f := cm.ConfigFile(); f != "" {
			fmt.Printf("# %s\n", f)
		}
		// Literal keys are masked; ${VAR} references print as written.
		c := *cm.Get()
		if c.Enhancement.APIKey != "" && config.ResolveEnvVars(c.Enhancement.APIKey) == c.Enhancement.APIKey {
			c.Enhancement.APIKey = "********"
		}
		return api.Output(c)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
