package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"AutoTrader-Chain/internal/config"
	"AutoTrader-Chain/internal/event"
)

// newWatchCmd 订阅事件中继并逐行打印信封，用于在其他进程观察守护进程。
func newWatchCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream events mirrored to the configured relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			relay, err := openRelay(cmd.Context(), cfg.Events)
			if err != nil {
				return err
			}
			if relay == nil {
				return errors.New("未配置事件中继，无法观察事件")
			}
			defer relay.Close()

			sub, ok := relay.(event.Subscriber)
			if !ok {
				return fmt.Errorf("中继 %s 不支持订阅", cfg.Events.Relay)
			}
			out := cmd.OutOrStdout()
			err = sub.Consume(cmd.Context(), func(envelope []byte) {
				fmt.Fprintln(out, string(envelope))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
