package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"AutoTrader-Chain/internal/config"
)

const configEnv = "AUTOTRADER_CONFIG"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "autotraderd",
		Short:        "Coordinates autonomous trading decisions with a bounded operator intervention window",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "JSON 配置文件路径 (env: "+configEnv+")")

	load := func() (*config.Config, error) {
		return config.Load(resolveConfigPath(configPath))
	}
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newConfigCmd(load))
	cmd.AddCommand(newWatchCmd(load))
	return cmd
}

// resolveConfigPath 依次使用命令行参数、环境变量与默认位置；默认文件不存在时只使用环境变量。
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	fallback := filepath.Join("configs", "autotrader.json")
	if _, err := os.Stat(fallback); err == nil {
		return fallback
	}
	return ""
}

func newConfigCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration after defaults and environment overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.LLM.OpenAI.APIKey != "" {
				redacted.LLM.OpenAI.APIKey = "***"
			}
			if redacted.Market.APIKey != "" {
				redacted.Market.APIKey = "***"
			}
			if redacted.Storage.Records.DSN != "" {
				redacted.Storage.Records.DSN = "***"
			}
			if redacted.Storage.Context.Password != "" {
				redacted.Storage.Context.Password = "***"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(redacted)
		},
	}
}
