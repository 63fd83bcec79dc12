package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/objectcamp/internal/database"
)

var specsCmd = &cobra.Command{
	Use:   "specs",
	Short: "Manage target specs",
}

var specsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List target specs with their library size",
	Args:  cobra.NoArgs,
	RunE:  runSpecsList,
}

var specsAddCmd = &cobra.Command{
	Use:   "add <spec-id> <display-name>",
	Short: "Create or update a target spec",
	Args:  cobra.ExactArgs(2),
	RunE:  runSpecsAdd,
}

func init() {
	rootCmd.AddCommand(specsCmd)
	specsCmd.AddCommand(specsListCmd, specsAddCmd)

	specsAddCmd.Flags().String("description", "", "What the spec collects, used as context for AI descriptions")
	specsAddCmd.Flags().Bool("disabled", false, "Create the spec disabled")
}

type specRow struct {
	database.TargetSpec
	Subjects int `json:"subject_count"`
	Entities int `json:"entity_count"`
}

func runSpecsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	specs, err := a.store.ListSpecs(ctx)
	if err != nil {
		return fmt.Errorf("listing specs: %w", err)
	}
	rows := make([]specRow, 0, len(specs))
	for _, spec := range specs {
		row := specRow{TargetSpec: spec}
		if row.Subjects, err = a.store.CountSubjects(ctx, spec.SpecID); err != nil {
			return fmt.Errorf("counting subjects: %w", err)
		}
		if row.Entities, err = a.store.CountEntities(ctx, spec.SpecID); err != nil {
			return fmt.Errorf("counting entities: %w", err)
		}
		rows = append(rows, row)
	}

	if jsonOutput {
		return outputJSON(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tENABLED\tSUBJECTS\tENTITIES")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", r.SpecID, r.DisplayName, r.IsEnabled, r.Subjects, r.Entities)
	}
	return w.Flush()
}

func runSpecsAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !database.ValidSpecID(args[0]) {
		return fmt.Errorf("invalid spec ID %q: use lowercase letters, digits, '-' or '_', optionally followed by ':qualifier'", args[0])
	}

	spec := &database.TargetSpec{
		SpecID:            args[0],
		DisplayName:       args[1],
		TargetDescription: mustGetString(cmd, "description"),
		IsEnabled:         !mustGetBool(cmd, "disabled"),
	}
	if err := a.store.SaveSpec(ctx, spec); err != nil {
		return fmt.Errorf("saving spec: %w", err)
	}
	if jsonOutput {
		return outputJSON(spec)
	}
	fmt.Printf("Saved spec %s (%s)\n", spec.SpecID, spec.DisplayName)
	return nil
}
