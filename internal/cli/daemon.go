package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/pkg/dream"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "daemon",
		Short: "Run the dream worker on a schedule until interrupted",
		Run:   runDaemon,
	})
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Dream.Disabled {
		slog.Info("dream worker disabled by config")
		return
	}
	st := openStore(cfg)
	log := openActivation(cfg)

	var index dream.VectorIndex
	if pg := buildPGIndex(cmd, cfg, st); pg != nil {
		index = pg
		defer pg.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dream.NewWorker(st, log, index, cfg.DreamConfig()).Run(ctx)
}
