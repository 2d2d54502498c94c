package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"standby/pkg/metrics"
	"standby/pkg/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var primaryCmd = &cobra.Command{
	Use:   "primary",
	Short: "Primary node commands",
}

var primaryServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the current head to secondaries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return servePrimary(ctx)
	},
}

// servePrimary 运行复制服务、健康检查和指标端点，直到 ctx 结束
func servePrimary(ctx context.Context) error {
	cfg := SB.Config
	logger := SB.Logger

	srv := SB.NewServer()
	if err := srv.Start(ctx, cfg.Server.Addr()); err != nil {
		return err
	}
	logger.Info("primary listening", zap.Stringer("addr", srv.Addr()))

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Admin.Enabled() {
		admin := server.NewAdminServer(logger.Named("admin"))
		if err := admin.Listen(cfg.Admin.Addr()); err != nil {
			srv.Close()
			return err
		}
		admin.SetServing(true)
		eg.Go(func() error { return admin.Serve(ctx) })
	}
	if cfg.Metrics.Enabled() {
		eg.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Addr(), logger) })
	}

	<-ctx.Done()
	logger.Info("shutting down primary")
	closeErr := srv.Close()
	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return closeErr
}

var primaryImportCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import a directory as the new head",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := SB.Import(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Head == res.Previous {
			fmt.Fprintf(out, "Nothing changed, head is %s\n", res.Head)
			return nil
		}
		fmt.Fprintf(out, "Imported %d files in %s\n", res.Files, res.Duration.Round(1e6))
		fmt.Fprintf(out, "Head: %s\n", res.Head)
		return nil
	},
}

var gcDryRun bool

// runGC 回收当前 HEAD 不可达的对象，主节点和副本共用
func runGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	head, err := SB.Repo.Head(ctx)
	if err != nil {
		return err
	}
	stats, err := SB.Collector(gcDryRun).Collect(ctx, head)
	if err != nil {
		return err
	}
	verb := "Removed"
	if gcDryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d objects (%d bytes), %d segments and %d blobs live\n",
		verb, stats.Swept, stats.FreedBytes, stats.LiveSegments, stats.LiveBlobs)
	return nil
}

var primaryGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove objects unreachable from head (do not run during import)",
	RunE:  runGC,
}

func init() {
	primaryGCCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "only report what would be removed")
	primaryCmd.AddCommand(primaryServeCmd, primaryImportCmd, primaryGCCmd)
}
