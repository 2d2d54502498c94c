package commands

import (
	"fmt"

	"standby/pkg/app"
	"standby/pkg/config"
	"standby/pkg/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// SB 是全局应用实例，供子命令使用
	SB *app.App
)

var rootCmd = &cobra.Command{
	Use:           "standby",
	Short:         "Standby: primary/secondary replication for a segment store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 测试里会直接注入 SB
		if SB != nil {
			return nil
		}
		if err := config.Load(cfgFile); err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		cfg, err := config.Get()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		if used := config.Used(); used != "" {
			logger.Debug("using config file " + used)
		}

		SB, err = app.NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize standby: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if SB == nil {
			return nil
		}
		_ = SB.Logger.Sync()
		return SB.Close()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.standby/config.yaml)")

	// 既可以写在 yaml 里，也可以用参数覆盖
	flags := []struct {
		name, key, usage string
	}{
		{"storage-path", "storage.path", "directory to store objects"},
		{"storage-type", "storage.type", "object store backend: disk, memory or s3"},
		{"primary", "client.primary", "primary address for the secondary (host:port)"},
		{"log-level", "log.level", "log level: debug, info, warn, error"},
	}
	for _, f := range flags {
		rootCmd.PersistentFlags().String(f.name, "", f.usage)
		cobra.CheckErr(viper.BindPFlag(f.key, rootCmd.PersistentFlags().Lookup(f.name)))
	}

	rootCmd.AddCommand(primaryCmd, secondaryCmd, headCmd, logCmd)
}
