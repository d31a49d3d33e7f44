package cli

import (
	"context"
	"fmt"

	"github.com/lazypower/recall/internal/engine"
	"github.com/lazypower/recall/internal/memory"
	"github.com/spf13/cobra"
)

var (
	decaySimulate float64
	decayDomains  []string
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Apply importance decay for a simulated number of hours",
	Long:  "Apply importance decay as if --simulate-hours had passed. Wall-clock decay runs inside recall serve.",
	RunE:  runDecay,
}

var consolidateReq engine.ConsolidateRequest

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Merge clusters of near-duplicate memories",
	RunE:  runConsolidate,
}

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate-durability",
	Short: "Assign a durability tier to unclassified memories",
	RunE:  runMigrate,
}

func init() {
	decayCmd.Flags().Float64Var(&decaySimulate, "simulate-hours", 0, "hours of inactivity to apply")
	decayCmd.MarkFlagRequired("simulate-hours")
	decayCmd.Flags().StringSliceVarP(&decayDomains, "domain", "d", nil, "restrict to domain, repeatable")

	consolidateCmd.Flags().StringVarP(&consolidateReq.Domain, "domain", "d", "", "restrict to one domain")
	consolidateCmd.Flags().IntVar(&consolidateReq.MinClusterSize, "min-cluster", 2, "smallest cluster to merge")
	consolidateCmd.Flags().BoolVar(&consolidateReq.DryRun, "dry-run", false, "report clusters without merging")

	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "classify without writing")
}

func runDecay(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.Decay(ctx, decaySimulate, memory.Filter{Domains: decayDomains})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("decayed %d memories, skipped %d, %d errors\n", res.Processed, res.Skipped, res.Errors)
		return nil
	})
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.Consolidate(ctx, consolidateReq)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		if consolidateReq.DryRun {
			fmt.Printf("found %d clusters (dry run)\n", res.ClustersFound)
			return nil
		}
		fmt.Printf("found %d clusters, merged %d (%d memories), %d errors\n",
			res.ClustersFound, res.ClustersMerged, res.MemoriesMerged, res.Errors)
		for _, r := range res.Results {
			fmt.Printf("  %s <- %d sources\n", r.MergedID, len(r.SourceIDs))
		}
		return nil
	})
}

func runMigrate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := a.engine.MigrateDurability(ctx, migrateDryRun)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("%d unclassified, %d classified, %d errors\n", res.TotalNull, res.Classified, res.Errors)
		for _, s := range res.Sample {
			fmt.Printf("  %-9s %-24s %s\n", s.AssignedTier, s.Reason, s.ContentPreview)
		}
		return nil
	})
}
