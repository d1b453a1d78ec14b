package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/pkg/community"
)

var communitiesRefresh bool

func init() {
	cmd := &cobra.Command{
		Use:   "communities",
		Short: "Show detected entity communities",
		Run:   runCommunities,
	}
	cmd.Flags().BoolVar(&communitiesRefresh, "refresh", false, "Re-run detection instead of reading the saved result")
	RootCmd.AddCommand(cmd)
}

func runCommunities(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	st := openStore(cfg)

	var cs []community.Community
	var err error
	if communitiesRefresh {
		cs = community.Detect(st.Entities(), st.ActiveFacts())
		if err = community.Save(cfg.StorePath, cs); err != nil {
			exitErr("save communities", err)
		}
	} else {
		cs, err = community.Load(cfg.StorePath)
		if err != nil {
			exitErr("load communities", err)
		}
	}

	for _, c := range cs {
		fmt.Printf("%s (%d members): %s\n", c.ID, len(c.MemberIDs), c.Summary)
	}
}
