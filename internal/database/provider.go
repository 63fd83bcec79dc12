package database

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/objectcamp/internal/config"
)

// Opener constructs a Store from configuration.
type Opener func(ctx context.Context, cfg *config.DatabaseConfig) (Store, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Opener)
)

// RegisterBackend registers a store constructor under a driver name.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(name string, open Opener) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = open
}

// Backends returns the registered driver names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the store selected by cfg.Driver().
func Open(ctx context.Context, cfg *config.DatabaseConfig) (Store, error) {
	driver := cfg.Driver()

	backendsMu.RLock()
	open, ok := backends[driver]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%s backend not registered", driver)
	}

	store, err := open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", driver, err)
	}
	return store, nil
}

// SeedSpecs inserts the configured specs that do not exist yet.
// Returns the number of specs created.
func SeedSpecs(ctx context.Context, store SpecWriter, specs []config.SpecConfig) (int, error) {
	created := 0
	for _, sc := range specs {
		existing, err := store.GetSpec(ctx, sc.SpecID)
		if err != nil {
			return created, fmt.Errorf("looking up spec %s: %w", sc.SpecID, err)
		}
		if existing != nil {
			continue
		}
		spec := &TargetSpec{
			SpecID:            sc.SpecID,
			DisplayName:       sc.DisplayName,
			TargetDescription: sc.Description,
			IsEnabled:         sc.Enabled,
		}
		if err := store.SaveSpec(ctx, spec); err != nil {
			return created, fmt.Errorf("seeding spec %s: %w", sc.SpecID, err)
		}
		created++
	}
	return created, nil
}
