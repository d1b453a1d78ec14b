package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/pkg/dream"
)

var dreamForce bool

func init() {
	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Run one consolidation cycle now",
		Run:   runDream,
	}
	cmd.Flags().BoolVar(&dreamForce, "force", false, "Ignore the minimum interval since the last cycle")
	RootCmd.AddCommand(cmd)
}

func runDream(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)
	log := openActivation(cfg)

	var index dream.VectorIndex
	if pg := buildPGIndex(cmd, cfg, st); pg != nil {
		index = pg
	}
	w := dream.NewWorker(st, log, index, cfg.DreamConfig())
	var rep *dream.Report
	var err error
	if dreamForce {
		rep, err = w.ForceCycle(cmd.Context())
	} else {
		rep, err = w.RunCycle(cmd.Context())
	}
	if err != nil {
		exitErr("dream cycle", err)
	}
	if rep == nil {
		fmt.Println("nothing to consolidate")
		return
	}
	b, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Fprintln(os.Stdout, string(b))
}
