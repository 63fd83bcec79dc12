package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/objectcamp/internal/database"
)

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "Draw and manage illustrated stories of entities",
}

var storiesCreateCmd = &cobra.Command{
	Use:   "create <entity-id> <page-prompt>...",
	Short: "Draw a story featuring an entity, one illustration per page",
	Long: `Send the entity's stickers with each page prompt to the configured image
model. Pages are drawn in order and stored next to the spec's stickers;
progress is saved after every page. With --out-dir the pictures are also
written there as page-01.png, page-02.png and so on.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runStoriesCreate,
}

var storiesListCmd = &cobra.Command{
	Use:   "list <spec-id>",
	Short: "List the stories of a spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesList,
}

var storiesShowCmd = &cobra.Command{
	Use:   "show <story-id>",
	Short: "Show a story and its pages",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesShow,
}

var storiesDeleteCmd = &cobra.Command{
	Use:   "delete <story-id>",
	Short: "Delete a story and its pictures",
	Args:  cobra.ExactArgs(1),
	RunE:  runStoriesDelete,
}

func init() {
	rootCmd.AddCommand(storiesCmd)
	storiesCmd.AddCommand(storiesCreateCmd, storiesListCmd, storiesShowCmd, storiesDeleteCmd)

	storiesCreateCmd.Flags().StringP("title", "t", "", "Story title, used to tie the pages together")
	storiesCreateCmd.Flags().StringP("out-dir", "o", "", "Also write the pictures to this directory")
	storiesListCmd.Flags().String("entity", "", "Only stories of this entity")
}

func runStoriesCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	_, illustrator, err := a.aiProviders(ctx)
	if err != nil {
		return err
	}
	if illustrator == nil {
		return errors.New("no AI illustrator configured (requires Gemini)")
	}
	stories := a.stories(illustrator)

	s, err := stories.Start(ctx, args[0], mustGetString(cmd, "title"), args[1:])
	if err != nil {
		return err
	}

	bar := progressbar.NewOptions(len(s.Pages),
		progressbar.OptionSetDescription("Drawing pages"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)
	err = stories.Draw(ctx, s, func(story database.Story) {
		_ = bar.Set(story.CompletedPages)
	})
	_ = bar.Finish()
	fmt.Println()
	printUsage(illustrator.Name(), illustrator.GetUsage())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("story %s: %w", s.ID, err)
	}

	if dir := mustGetString(cmd, "out-dir"); dir != "" {
		if err := a.exportPages(s, dir); err != nil {
			return err
		}
	}
	if jsonOutput {
		return outputJSON(s)
	}
	printStory(s, a.blobs.Root())
	return nil
}

// exportPages copies the drawn pages of a story into dir.
func (a *app) exportPages(s *database.Story, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	for i, p := range s.Pages {
		if p.ImagePath == "" {
			continue
		}
		data, err := a.blobs.Get(p.ImagePath)
		if err != nil {
			return fmt.Errorf("reading page %d: %w", i+1, err)
		}
		out := filepath.Join(dir, fmt.Sprintf("page-%02d.png", i+1))
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
	}
	return nil
}

func printStory(s *database.Story, root string) {
	title := s.Title
	if title == "" {
		title = "(untitled)"
	}
	fmt.Printf("Story %s %s: entity %s, %s, %d/%d pages\n",
		s.ID, title, s.EntityID, s.Status, s.CompletedPages, len(s.Pages))
	if s.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", s.ErrorMessage)
	}
	for i, p := range s.Pages {
		where := "not drawn"
		if p.ImagePath != "" {
			where = filepath.Join(root, filepath.FromSlash(p.ImagePath))
		}
		fmt.Printf("  %2d. %s\n      %s\n", i+1, p.Prompt, where)
		if p.Caption != "" {
			fmt.Printf("      %s\n", p.Caption)
		}
	}
}

func runStoriesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stories, err := a.stories(nil).List(ctx, args[0], mustGetString(cmd, "entity"))
	if err != nil {
		return fmt.Errorf("listing stories: %w", err)
	}
	if jsonOutput {
		return outputJSON(stories)
	}
	if len(stories) == 0 {
		fmt.Println("No stories.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENTITY\tTITLE\tSTATUS\tPAGES\tCREATED")
	for _, s := range stories {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", s.ID, s.EntityID, s.Title, s.Status,
			s.CompletedPages, len(s.Pages), s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runStoriesShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.stories(nil).Get(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(s)
	}
	printStory(s, a.blobs.Root())
	return nil
}

func runStoriesDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.stories(nil).Delete(ctx, args[0]); err != nil {
		return err
	}
	if jsonOutput {
		return outputJSON(map[string]string{"deleted": args[0]})
	}
	fmt.Printf("Deleted story %s.\n", args[0])
	return nil
}
