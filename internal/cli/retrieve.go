package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var retrieveTimeout time.Duration

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve <query...>",
		Short: "Retrieve memory context for a query",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRetrieve,
	}
	cmd.Flags().DurationVar(&retrieveTimeout, "timeout", 10*time.Second, "Retrieval deadline")
	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)
	log := openActivation(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), retrieveTimeout)
	defer cancel()

	res, err := buildRetriever(cmd, cfg, st, log).Retrieve(ctx, strings.Join(args, " "))
	if err != nil || res == nil {
		// Timeout and empty store both mean no context, not a failure.
		return
	}
	fmt.Println(res.Context)
}
