package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "memory-ops",
	Short: "带记忆和限流的 LLM 代理网关",
	Long: `MemoryOps 是一个 OpenAI 兼容的 LLM 代理网关。
为每个调用方提供请求数和 token 数双维度的滑动窗口限流、
会话记忆持久化以及上下文压缩。`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
