package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/story"
)

var entitiesCmd = &cobra.Command{
	Use:   "entities",
	Short: "Inspect and curate entities",
}

var entitiesListCmd = &cobra.Command{
	Use:   "list <spec-id>",
	Short: "List the entities of a spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesList,
}

var entitiesShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show an entity with its members",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesShow,
}

var entitiesMergeCmd = &cobra.Command{
	Use:   "merge <target-id> <entity-id>...",
	Short: "Merge entities into the first one",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runEntitiesMerge,
}

var entitiesSplitCmd = &cobra.Command{
	Use:   "split <entity-id>",
	Short: "Move selected members of an entity into a new entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesSplit,
}

var entitiesMoveCmd = &cobra.Command{
	Use:   "move <from-id> <subject-id>...",
	Short: "Move members of one entity to another or to a new entity",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runEntitiesMove,
}

var entitiesRenameCmd = &cobra.Command{
	Use:   "rename <entity-id> [name]",
	Short: "Set or clear the custom name of an entity",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runEntitiesRename,
}

var entitiesCoverCmd = &cobra.Command{
	Use:   "cover <entity-id> <subject-id>",
	Short: "Choose the cover subject of an entity",
	Args:  cobra.ExactArgs(2),
	RunE:  runEntitiesCover,
}

var entitiesDeleteCmd = &cobra.Command{
	Use:   "delete <entity-id>...",
	Short: "Delete entities; their members become excluded",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEntitiesDelete,
}

var entitiesDescribeCmd = &cobra.Command{
	Use:   "describe <entity-id>",
	Short: "Ask the configured AI provider to name an entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runEntitiesDescribe,
}

func init() {
	rootCmd.AddCommand(entitiesCmd)
	entitiesCmd.AddCommand(
		entitiesListCmd, entitiesShowCmd, entitiesMergeCmd, entitiesSplitCmd, entitiesMoveCmd,
		entitiesRenameCmd, entitiesCoverCmd, entitiesDeleteCmd, entitiesDescribeCmd,
	)

	entitiesListCmd.Flags().StringP("query", "q", "", "Only entities whose name contains this text (accents and case ignored)")
	entitiesSplitCmd.Flags().StringSlice("subjects", nil, "Subject IDs to split off (required)")
	_ = entitiesSplitCmd.MarkFlagRequired("subjects")
	entitiesMoveCmd.Flags().String("to", "", "Target entity ID; omit to move into a new entity")
	entitiesDescribeCmd.Flags().Bool("apply", false, "Rename the entity to the suggested name")
}

func runEntitiesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := a.store.ListEntities(ctx, args[0])
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}
	entities = cluster.FilterByName(entities, mustGetString(cmd, "query"))

	if jsonOutput {
		return outputJSON(entities)
	}
	if len(entities) == 0 {
		fmt.Println("No entities.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tAVG CONF\tMANUAL\tUPDATED")
	for _, e := range entities {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%t\t%s\n", e.ID, cluster.Label(&e), e.AverageConfidence,
			e.IsManuallyCreated, e.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

type entityDetail struct {
	Entity  *database.Entity   `json:"entity"`
	Label   string             `json:"label"`
	Members []database.Subject `json:"members"`
}

func runEntitiesShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.store.GetEntity(ctx, args[0])
	if err != nil {
		return fmt.Errorf("fetching entity: %w", err)
	}
	if e == nil {
		return fmt.Errorf("%w: %s", cluster.ErrEntityNotFound, args[0])
	}
	members, err := a.store.SubjectsByEntity(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("fetching members: %w", err)
	}

	if jsonOutput {
		return outputJSON(entityDetail{Entity: e, Label: cluster.Label(e), Members: members})
	}
	fmt.Printf("%s (%s)\n", cluster.Label(e), e.ID)
	fmt.Printf("Spec: %s  Average confidence: %.2f  Members: %d\n", e.TargetSpecID, e.AverageConfidence, len(members))
	for _, m := range members {
		marker := " "
		if m.ID == e.CoverSubjectID {
			marker = "*"
		}
		fmt.Printf(" %s %s  %.2f  %s\n", marker, m.ID, m.Confidence, m.SourceImageID)
	}
	return nil
}

func printEntity(verb string, e *database.Entity) error {
	if jsonOutput {
		return outputJSON(e)
	}
	fmt.Printf("%s %s (%s), average confidence %.2f\n", verb, cluster.Label(e), e.ID, e.AverageConfidence)
	return nil
}

func runEntitiesMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.cluster.Merge(ctx, args)
	if err != nil {
		return err
	}
	if err := a.stories(nil).FollowMerge(ctx, e.ID, args); err != nil {
		a.logger.Warn("failed to move stories of merged entities", zap.String("entity_id", e.ID), zap.Error(err))
	}
	return printEntity("Merged into", e)
}

func runEntitiesSplit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.cluster.Split(ctx, args[0], mustGetStringSlice(cmd, "subjects"))
	if err != nil {
		return err
	}
	return printEntity("Split off", e)
}

func runEntitiesMove(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.cluster.MoveSubjects(ctx, args[1:], args[0], mustGetString(cmd, "to"))
	if err != nil {
		return err
	}
	return printEntity("Moved into", e)
}

func runEntitiesRename(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	e, err := a.cluster.RenameEntity(ctx, args[0], name)
	if err != nil {
		return err
	}
	return printEntity("Renamed", e)
}

func runEntitiesCover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.cluster.SetCover(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	return printEntity("Updated cover of", e)
}

func runEntitiesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cluster.DeleteEntities(ctx, args); err != nil {
		return err
	}
	stories, err := a.stories(nil).ForgetEntities(ctx, args)
	if err != nil {
		a.logger.Warn("failed to delete stories of deleted entities", zap.Error(err))
	}
	if jsonOutput {
		return outputJSON(map[string]any{"deleted": args, "deleted_stories": stories})
	}
	fmt.Printf("Deleted %d entities and %d stories.\n", len(args), stories)
	return nil
}

func runEntitiesDescribe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	describer, _, err := a.aiProviders(ctx)
	if err != nil {
		return err
	}
	if describer == nil {
		return errors.New("no AI describer configured")
	}

	e, stickers, err := a.entityStickers(ctx, args[0])
	if err != nil {
		return err
	}
	spec, err := a.store.GetSpec(ctx, e.TargetSpecID)
	if err != nil {
		return fmt.Errorf("fetching spec: %w", err)
	}
	req := ai.DescribeRequest{Stickers: stickers}
	if spec != nil {
		req.SpecName = spec.DisplayName
		req.SpecDescription = spec.TargetDescription
	}

	suggestion, err := describer.DescribeEntity(ctx, req)
	if err != nil {
		return fmt.Errorf("%s: %w", describer.Name(), err)
	}
	defer printUsage(describer.Name(), describer.GetUsage())

	if mustGetBool(cmd, "apply") {
		if e, err = a.cluster.RenameEntity(ctx, e.ID, suggestion.Name); err != nil {
			return err
		}
	}
	if jsonOutput {
		return outputJSON(map[string]any{"suggestion": suggestion, "entity": e})
	}
	fmt.Printf("Suggested name: %s (confidence %.2f)\n", suggestion.Name, suggestion.Confidence)
	if suggestion.Description != "" {
		fmt.Println(suggestion.Description)
	}
	if mustGetBool(cmd, "apply") {
		fmt.Printf("Renamed %s.\n", e.ID)
	}
	return nil
}

// entityStickers loads an entity and up to MaxReferenceImages of its
// stickers, cover first.
func (a *app) entityStickers(ctx context.Context, entityID string) (*database.Entity, [][]byte, error) {
	e, err := a.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching entity: %w", err)
	}
	if e == nil {
		return nil, nil, fmt.Errorf("%w: %s", cluster.ErrEntityNotFound, entityID)
	}
	stickers, err := story.References(ctx, a.store, a.blobs, e, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return e, stickers, nil
}
