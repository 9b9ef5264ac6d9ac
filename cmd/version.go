package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// versionCmd 版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("memory-ops %s (commit %s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
