package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/internal/migrate"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "migrate <legacy-db>",
		Short: "Import a legacy SQLite memory database",
		Args:  cobra.ExactArgs(1),
		Run:   runMigrate,
	})
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)

	rep, err := migrate.Run(st, cfg.StorePath, args[0], cfg.Project)
	if err != nil {
		exitErr("migrate", err)
	}
	fmt.Printf("migrated %d memories: %d entities, %d facts, %d skipped\n",
		rep.Memories, rep.Entities, rep.Facts, rep.Skipped)
}
