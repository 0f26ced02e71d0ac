package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/TemporalDynamics/ecosign-sub001/projections"
)

var rebuildCheckOnly bool

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-projection",
	Short: "Rebuild the legacy projection from the ledger",
	Long: `Rewrites every row of the frozen legacy table from the ledger.
With --check, only reports the rows that diverge from the ledger.`,
	RunE: runRebuild,
}

func init() {
	rebuildCmd.Flags().BoolVar(&rebuildCheckOnly, "check", false, "report divergence without writing")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	if cfg.Ledger.Store == "memory" {
		return fmt.Errorf("rebuild-projection requires the postgres ledger")
	}

	app, err := buildApplication(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	ctx := cmd.Context()
	legacy := projections.NewLegacyProjector(app.db, app.store)

	if !rebuildCheckOnly {
		rebuilt, err := legacy.Rebuild(ctx)
		if err != nil {
			return err
		}
		log.Info().Int("rebuilt", rebuilt).Msg("Rebuild finished")
	}

	divergences, err := legacy.Divergence(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(divergences, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if len(divergences) > 0 {
		return fmt.Errorf("%d divergent fields between the legacy projection and the ledger", len(divergences))
	}
	return nil
}
