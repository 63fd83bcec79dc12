package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the ObjectCamp API server.
The server exposes target specs, entities and subjects over HTTP, runs
extraction jobs for uploaded photos and streams their progress via SSE.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// initSubjectIndex loads the persisted subject HNSW index and reconciles it
// with the store, or builds it from every spec's subjects.
func initSubjectIndex(ctx context.Context, store database.Store, path string, logger *zap.Logger) *database.SubjectIndex {
	index := database.NewSubjectIndex()
	loaded := false
	if path != "" {
		var err error
		loaded, err = index.Load(path)
		if err != nil {
			logger.Warn("failed to load subject index, rebuilding", zap.String("path", path), zap.Error(err))
			index = database.NewSubjectIndex()
			loaded = false
		}
	}

	all, err := allSubjects(ctx, store)
	if err != nil {
		// A partial listing would drop live subjects from a loaded index.
		logger.Warn("failed to list subjects, suggestions may scan the store", zap.Error(err))
		index.SetPath(path)
		return index
	}

	if loaded {
		removed := index.Sync(all)
		logger.Info("subject index loaded",
			zap.String("path", path),
			zap.Int("subjects", index.Count()),
			zap.Int("stale", removed))
		return index
	}
	index.Build(all)
	index.SetPath(path)
	logger.Info("subject index built", zap.Int("subjects", index.Count()), zap.Bool("persisted", path != ""))
	return index
}

func allSubjects(ctx context.Context, store database.Store) ([]database.Subject, error) {
	specs, err := store.ListSpecs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing specs: %w", err)
	}
	var all []database.Subject
	for _, spec := range specs {
		subjects, err := store.ListSubjects(ctx, spec.SpecID)
		if err != nil {
			return nil, fmt.Errorf("listing subjects of %s: %w", spec.SpecID, err)
		}
		all = append(all, subjects...)
	}
	return all, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// Mutations keep the index in sync, so the service is rebuilt around it.
	index := initSubjectIndex(ctx, a.store, a.cfg.Database.HNSWIndexPath, a.logger)
	a.cluster = cluster.NewService(a.store, cluster.NewEngine(a.cfg.Cluster.SimilarityThreshold), a.logger, cluster.WithIndex(index))

	if port := mustGetInt(cmd, "port"); port > 0 {
		a.cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		a.cfg.Web.Host = host
	}

	describer, illustrator, err := a.aiProviders(ctx)
	if err != nil {
		return fmt.Errorf("initializing AI provider: %w", err)
	}
	if describer != nil {
		a.logger.Info("entity descriptions enabled", zap.String("provider", describer.Name()))
	}
	if illustrator != nil {
		a.logger.Info("illustrations enabled", zap.String("provider", illustrator.Name()))
	}

	server := web.NewServer(a.cfg, web.Deps{
		Store:       a.store,
		Cluster:     a.cluster,
		Blobs:       a.blobs,
		Pipeline:    a.pipeline(),
		Describer:   describer,
		Illustrator: illustrator,
		Logger:      a.logger,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		if err := index.Save(); err != nil {
			a.logger.Warn("failed to save subject index", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error during shutdown", zap.Error(err))
		}
	}()

	fmt.Printf("Starting ObjectCamp API on http://%s:%d\n", a.cfg.Web.Host, a.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
