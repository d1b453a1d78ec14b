package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/pkg/extract"
	"github.com/nous-labs/engram/pkg/graph"
)

var (
	ingestSource string
	ingestRef    string
)

func init() {
	cmd := &cobra.Command{
		Use:   "ingest [transcript-file]",
		Short: "Extract knowledge from a session transcript (file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		Run:   runIngest,
	}
	cmd.Flags().StringVar(&ingestSource, "source", "session", "Episode source type: session, thread, failure, sentiment")
	cmd.Flags().StringVar(&ingestRef, "ref", "", "Source reference (session id, file path)")
	RootCmd.AddCommand(cmd)
}

func runIngest(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	var transcript []byte
	var err error
	if len(args) == 1 {
		transcript, err = os.ReadFile(args[0])
		if err != nil {
			exitErr("read transcript", err)
		}
		if ingestRef == "" {
			ingestRef = args[0]
		}
	} else {
		transcript, err = io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
	}

	sourceType := graph.SourceType(ingestSource)
	if !sourceType.IsValid() {
		exitErr("ingest", fmt.Errorf("unknown source type %q", ingestSource))
	}

	st := openStore(cfg)
	log := openActivation(cfg)

	var index extract.VectorIndex
	if pg := buildPGIndex(cmd, cfg, st); pg != nil {
		index = pg
	}
	ing := extract.NewIngestor(st, buildProvider(cfg), buildEmbedder(cfg), index, log, extract.Config{
		Project: cfg.Project,
		Timeout: extractionTimeout(cfg),
	})

	ep, err := ing.IngestSession(cmd.Context(), sourceType, ingestRef, string(transcript))
	if err != nil {
		exitErr("ingest", err)
	}
	if ep == nil {
		fmt.Println("nothing ingested")
		return
	}
	fmt.Printf("episode %s: %d entities, %d facts\n", ep.ID, len(ep.EntityIDs), len(ep.FactIDs))
}
