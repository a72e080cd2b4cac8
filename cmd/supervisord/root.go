package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "supervisord",
	Short: "Supervise coding-agent execution across git worktrees",
	Long: `supervisord drives a project's repos through a chain of setup scripts,
a coding agent and cleanup scripts, one workspace per task attempt, with
each attempt's output captured, normalized and persisted for replay.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.AddCommand(versionCmd)
}

// initConfig wires env-var overrides for the run command's flags, so a
// containerized deployment can set SUPERVISORD_DB / SUPERVISORD_WORKSPACES
// instead of passing --db / --workspaces.
func initConfig() {
	viper.SetEnvPrefix("SUPERVISORD")
	viper.AutomaticEnv()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("supervisord %s\n", Version)
	},
}

func execute() error {
	return rootCmd.Execute()
}
