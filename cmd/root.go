package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "objectcamp",
	Short: "Group photographed objects into a browsable library",
	Long: `ObjectCamp extracts subjects (dolls, toys, cars, ...) from photos,
clusters the ones that show the same physical object into entities and lets
you curate the result: merge, split, rename, exclude, or draw stories about an entity.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
