package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	})
}

func runStats(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)

	b, _ := json.MarshalIndent(st.GetStats(), "", "  ")
	fmt.Println(string(b))
}
