package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/extraction"
)

var extractCmd = &cobra.Command{
	Use:   "extract <spec-id> <dir>",
	Short: "Extract subjects from the photos in a directory",
	Long: `Detect subjects of the target spec in every supported image of a
directory, cut them out as stickers and compute their feature vectors.
Images that already produced subjects are skipped unless --force is given.
New subjects are clustered into entities afterwards unless --no-cluster is set.`,
	Args: cobra.ExactArgs(2),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().Bool("force", false, "Re-extract images that already have subjects")
	extractCmd.Flags().Bool("no-cluster", false, "Skip clustering after extraction")
}

func runExtract(cmd *cobra.Command, args []string) error {
	specID, dir := args[0], args[1]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	loader := extraction.NewDirLoader(dir)
	assetIDs, err := loader.List()
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	if len(assetIDs) == 0 {
		fmt.Println("No supported images found.")
		return nil
	}

	bar := progressbar.NewOptions(len(assetIDs),
		progressbar.OptionSetDescription("Extracting subjects"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
	progress := func(task database.ProcessingTask) {
		_ = bar.Set(task.ProcessedCount)
	}

	opts := extraction.Options{Force: mustGetBool(cmd, "force")}
	pipeline := a.pipeline()

	var report *extraction.Report
	if mustGetBool(cmd, "no-cluster") {
		report, err = pipeline.Run(ctx, specID, assetIDs, loader, opts, progress)
	} else {
		report, err = pipeline.Process(ctx, specID, assetIDs, loader, opts, a.cluster, progress)
	}
	_ = bar.Finish()
	fmt.Println()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("extraction failed: %w", err)
	}

	if jsonOutput {
		return outputJSON(report)
	}
	printReport(report)
	if err != nil {
		fmt.Println("Extraction was cancelled.")
	}
	return nil
}

func printReport(report *extraction.Report) {
	if report == nil {
		return
	}
	t := report.Task
	fmt.Printf("Processed %d/%d images: %d ok, %d failed, %d skipped\n",
		t.ProcessedCount, t.TotalCount, t.SuccessCount, t.FailureCount, report.Skipped)
	fmt.Printf("New subjects: %d\n", report.Subjects)
	if report.Replaced > 0 {
		fmt.Printf("Replaced subjects: %d\n", report.Replaced)
	}
	for _, id := range t.FailedAssetIDs {
		fmt.Printf("  failed: %s\n", id)
	}
	for _, d := range report.NearDuplicates {
		fmt.Printf("  near duplicate: %s looks like %s (distance %d)\n", d.AssetID, d.Of, d.Distance)
	}
	if report.Cluster != nil {
		printClusterResult(report.Cluster)
	}
}
