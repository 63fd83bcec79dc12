package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/config"
	"github.com/kozaktomas/objectcamp/internal/database"
	_ "github.com/kozaktomas/objectcamp/internal/database/postgres"
	_ "github.com/kozaktomas/objectcamp/internal/database/sqlite"
	"github.com/kozaktomas/objectcamp/internal/extraction"
	"github.com/kozaktomas/objectcamp/internal/logging"
	"github.com/kozaktomas/objectcamp/internal/story"
)

// app bundles the collaborators every command needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   database.Store
	blobs   *blobstore.Store
	cluster *cluster.Service
}

// openApp loads configuration, opens the store and blob storage and seeds the
// configured target specs.
func openApp(ctx context.Context) (*app, error) {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	blobs, err := blobstore.New(cfg.Storage.Dir, cfg.Storage.CacheSizeMB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening blob storage: %w", err)
	}

	if created, err := database.SeedSpecs(ctx, store, cfg.Specs); err != nil {
		logger.Warn("seeding target specs failed", zap.Error(err))
	} else if created > 0 {
		logger.Info("seeded target specs", zap.Int("created", created))
	}

	engine := cluster.NewEngine(cfg.Cluster.SimilarityThreshold)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		blobs:   blobs,
		cluster: cluster.NewService(store, engine, logger),
	}, nil
}

// Close releases the store, blob cache and flushes the logger.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	a.blobs.Close()
	_ = a.logger.Sync()
}

// pipeline wires extraction against the configured segmentation service.
// Results are committed through a.cluster, so callers that replace the
// service must do so first.
func (a *app) pipeline() *extraction.Pipeline {
	client := extraction.NewClient(a.cfg.Embedding.URL, time.Duration(a.cfg.Embedding.TimeoutSeconds)*time.Second)
	client.SetDimension(a.cfg.Embedding.Dim)
	return extraction.NewPipeline(a.store, a.cluster, client, client, a.blobs, a.cfg.Cluster, a.cfg.Storage, a.logger)
}

// stories returns the story service; illustrator may be nil for commands
// that only list or delete.
func (a *app) stories(illustrator ai.Illustrator) *story.Service {
	return story.NewService(a.store, a.blobs, illustrator, a.logger)
}

func toAIPricing(p config.RequestPricing) ai.RequestPricing {
	return ai.RequestPricing{Input: p.Input, Output: p.Output}
}

// aiProviders picks the describer and illustrator from the configured keys.
// Gemini provides both; OpenAI and Ollama only describe. Either may be nil.
func (a *app) aiProviders(ctx context.Context) (ai.Describer, ai.Illustrator, error) {
	switch {
	case a.cfg.Gemini.APIKey != "":
		gemini, err := ai.NewGeminiProvider(ctx,
			a.cfg.Gemini.APIKey, a.cfg.Gemini.Model, a.cfg.Gemini.ImageModel,
			toAIPricing(a.cfg.GetModelPricing(a.cfg.Gemini.Model).Standard),
			toAIPricing(a.cfg.GetModelPricing(a.cfg.Gemini.ImageModel).Standard))
		if err != nil {
			return nil, nil, err
		}
		return gemini, gemini.Illustrator(), nil
	case a.cfg.OpenAI.Token != "":
		return ai.NewOpenAIDescriber(a.cfg.OpenAI.Token, toAIPricing(a.cfg.GetModelPricing("gpt-4.1-mini").Standard)), nil, nil
	case a.cfg.Ollama.URL != "":
		return ai.NewOllamaDescriber(a.cfg.Ollama.URL, a.cfg.Ollama.Model), nil, nil
	}
	return nil, nil, nil
}

// outputJSON writes data as indented JSON to stdout.
func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

// printUsage prints the accumulated token usage of an AI provider.
func printUsage(name string, u ai.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "%s usage: %d input / %d output tokens, $%.4f\n", name, u.InputTokens, u.OutputTokens, u.TotalCost)
}
