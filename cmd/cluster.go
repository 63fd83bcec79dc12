package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/objectcamp/internal/cluster"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster <spec-id>",
	Short: "Group unclustered subjects of a spec into entities",
	Long: `Run a clustering pass over every unclustered, non-excluded subject of a
spec. Each subject in extraction order seeds a new entity and collects the
remaining subjects whose similarity to the seed reaches the threshold.
Existing entities are never changed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)

	clusterCmd.Flags().Float64("threshold", 0, "Override the configured similarity threshold (0-1]")
}

func runCluster(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if th := mustGetFloat64(cmd, "threshold"); th != 0 {
		if th < 0 || th > 1 {
			return fmt.Errorf("threshold must be in (0, 1], got %v", th)
		}
		a.cluster = cluster.NewService(a.store, cluster.NewEngine(th), a.logger)
	}

	result, err := a.cluster.ClusterSpec(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(result)
	}
	printClusterResult(result)
	return nil
}

func printClusterResult(result *cluster.Result) {
	switch result.Outcome {
	case cluster.OutcomeNoEligible:
		fmt.Println("No eligible subjects to cluster.")
		return
	case cluster.OutcomeNothingGrouped:
		fmt.Printf("No similar subjects found: %d singleton entities created.\n", len(result.Entities))
	default:
		fmt.Printf("Clustered %d subjects into %d entities.\n", result.Candidates, len(result.Entities))
	}
	for i, e := range result.Entities {
		if len(result.Clusters[i]) < 2 {
			continue
		}
		fmt.Printf("  %s  %d subjects  avg confidence %.2f\n", cluster.Label(&e), len(result.Clusters[i]), e.AverageConfidence)
	}
}
