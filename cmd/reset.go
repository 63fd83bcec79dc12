package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resetCmd = &cobra.Command{
	Use:   "reset <spec-id>",
	Short: "Delete every subject, entity, task and story of a spec",
	Long: `Remove the whole library of a spec, including sticker files and story
pages. The spec definition itself is kept. Requires --yes.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().Bool("yes", false, "Confirm deletion")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !mustGetBool(cmd, "yes") {
		return errors.New("refusing to reset without --yes")
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	spec, err := a.store.GetSpec(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetching spec: %w", err)
	}
	if spec == nil {
		return fmt.Errorf("spec %s not found", args[0])
	}

	removed, err := a.cluster.ResetSpec(ctx, spec.SpecID)
	if err != nil {
		return err
	}
	paths := make([]string, 0, 2*len(removed))
	for _, s := range removed {
		paths = append(paths, s.StickerPath, s.ThumbnailPath)
	}
	if err := a.blobs.Delete(paths...); err != nil {
		a.logger.Warn("failed to delete subject files", zap.String("spec_id", spec.SpecID), zap.Error(err))
	}
	stories, err := a.stories(nil).ForgetSpec(ctx, spec.SpecID)
	if err != nil {
		a.logger.Warn("failed to delete stories", zap.String("spec_id", spec.SpecID), zap.Error(err))
	}

	if jsonOutput {
		return outputJSON(map[string]int{"deleted_subjects": len(removed), "deleted_stories": stories})
	}
	fmt.Printf("Reset %s: deleted %d subjects and %d stories.\n", spec.SpecID, len(removed), stories)
	return nil
}
