package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
)

var subjectsCmd = &cobra.Command{
	Use:   "subjects",
	Short: "Inspect and curate extracted subjects",
}

var subjectsListCmd = &cobra.Command{
	Use:   "list <spec-id>",
	Short: "List the subjects of a spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsList,
}

var subjectsDeleteCmd = &cobra.Command{
	Use:   "delete <subject-id>",
	Short: "Delete a subject and its sticker",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsDelete,
}

var subjectsExcludeCmd = &cobra.Command{
	Use:   "exclude <subject-id>",
	Short: "Mark a subject as not a target; it leaves its entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsExclude,
}

var subjectsRestoreCmd = &cobra.Command{
	Use:   "restore <subject-id>",
	Short: "Make an excluded subject eligible for clustering again",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsRestore,
}

var subjectsSuggestCmd = &cobra.Command{
	Use:   "suggest <subject-id>",
	Short: "Rank entities the subject most likely belongs to",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectsSuggest,
}

var subjectsSimilarityCmd = &cobra.Command{
	Use:   "similarity <subject-id> <other-id>",
	Short: "Print the cosine similarity of two subjects",
	Args:  cobra.ExactArgs(2),
	RunE:  runSubjectsSimilarity,
}

var subjectFilters = map[string]func(s *database.Subject) bool{
	"all":         func(*database.Subject) bool { return true },
	"unclustered": func(s *database.Subject) bool { return s.IsEligible() },
	"clustered":   func(s *database.Subject) bool { return s.EntityID != "" },
	"excluded":    func(s *database.Subject) bool { return s.IsMarkedAsNonTarget },
	"review":      func(s *database.Subject) bool { return s.NeedsReview },
}

func init() {
	rootCmd.AddCommand(subjectsCmd)
	subjectsCmd.AddCommand(
		subjectsListCmd, subjectsDeleteCmd, subjectsExcludeCmd, subjectsRestoreCmd,
		subjectsSuggestCmd, subjectsSimilarityCmd,
	)

	subjectsListCmd.Flags().String("filter", "all", "One of: all, unclustered, clustered, excluded, review")
	subjectsSuggestCmd.Flags().Int("limit", constants.DefaultSuggestionLimit, "Maximum number of entities to show")
}

func runSubjectsList(cmd *cobra.Command, args []string) error {
	filter, ok := subjectFilters[mustGetString(cmd, "filter")]
	if !ok {
		return fmt.Errorf("unknown filter %q", mustGetString(cmd, "filter"))
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	all, err := a.store.ListSubjects(ctx, args[0])
	if err != nil {
		return fmt.Errorf("listing subjects: %w", err)
	}
	subjects := make([]database.Subject, 0, len(all))
	for i := range all {
		if filter(&all[i]) {
			subjects = append(subjects, all[i])
		}
	}

	if jsonOutput {
		return outputJSON(subjects)
	}
	if len(subjects) == 0 {
		fmt.Println("No subjects.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tCONF\tENTITY\tEXCLUDED\tMETHOD")
	for _, s := range subjects {
		entity := s.EntityID
		if entity == "" {
			entity = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%t\t%s\n", s.ID, s.SourceImageID, s.Confidence, entity,
			s.IsMarkedAsNonTarget, s.ExtractionMethod)
	}
	return w.Flush()
}

func printSubject(verb string, s *database.Subject) error {
	if jsonOutput {
		return outputJSON(s)
	}
	fmt.Printf("%s subject %s\n", verb, s.ID)
	return nil
}

func runSubjectsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.cluster.DeleteSubject(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.blobs.Delete(s.StickerPath, s.ThumbnailPath); err != nil {
		a.logger.Warn("removing subject files", zap.String("subject_id", s.ID), zap.Error(err))
	}
	return printSubject("Deleted", s)
}

func runSubjectsExclude(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.cluster.ExcludeSubject(ctx, args[0])
	if err != nil {
		return err
	}
	return printSubject("Excluded", s)
}

func runSubjectsRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.cluster.RestoreSubject(ctx, args[0])
	if err != nil {
		return err
	}
	return printSubject("Restored", s)
}

func runSubjectsSuggest(cmd *cobra.Command, args []string) error {
	limit := mustGetInt(cmd, "limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	suggestions, err := a.cluster.SuggestEntity(ctx, args[0], limit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(suggestions)
	}
	if len(suggestions) == 0 {
		fmt.Println("No matching entities.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tSIMILARITY\tMATCHES")
	for _, s := range suggestions {
		fmt.Fprintf(w, "%s\t%.3f\t%d\n", s.EntityID, s.Similarity, s.Matches)
	}
	return w.Flush()
}

func runSubjectsSimilarity(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sim, err := a.cluster.Similarity(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	th := a.cluster.Threshold()
	if jsonOutput {
		return outputJSON(map[string]any{
			"subject_id":  args[0],
			"other_id":    args[1],
			"similarity":  sim,
			"threshold":   th,
			"would_group": sim >= th,
		})
	}
	fmt.Printf("Similarity %.4f (threshold %.2f): ", sim, th)
	if sim >= th {
		fmt.Println("would group")
	} else {
		fmt.Println("would not group")
	}
	return nil
}
