package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/objectcamp/internal/story"
	"github.com/kozaktomas/objectcamp/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	d := s.deps
	stories := story.NewService(d.Store, d.Blobs, d.Illustrator, d.Logger)
	s.stories = handlers.NewStoriesHandler(s.background, stories, d.Blobs, d.Logger)
	specsHandler := handlers.NewSpecsHandler(d.Store, d.Cluster, stories, d.Blobs, d.Logger)
	entitiesHandler := handlers.NewEntitiesHandler(d.Store, d.Cluster, d.Blobs, d.Describer, stories, d.Logger)
	var (
		adjuster       handlers.Adjuster
		processHandler *handlers.ProcessHandler
	)
	if d.Pipeline != nil {
		adjuster = d.Pipeline
		processHandler = handlers.NewProcessHandler(d.Store, d.Pipeline, d.Cluster, s.jobManager, d.Logger)
	}
	subjectsHandler := handlers.NewSubjectsHandler(d.Store, d.Cluster, d.Blobs, adjuster, d.Logger)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Target specs
		r.Get("/specs", specsHandler.List)
		r.Route("/specs/{specId}", func(r chi.Router) {
			r.Get("/", specsHandler.Get)
			r.Put("/", specsHandler.Save)
			r.Get("/tasks", specsHandler.Tasks)
			r.Post("/cluster", specsHandler.Cluster)
			r.Post("/reset", specsHandler.Reset)

			r.Get("/entities", entitiesHandler.List)
			r.Get("/subjects", subjectsHandler.List)
			r.Get("/stories", s.stories.ListForSpec)
			if processHandler != nil {
				r.Post("/process", processHandler.Start)
			}
		})

		// Entities
		r.Post("/entities/merge", entitiesHandler.Merge)
		r.Post("/entities/delete", entitiesHandler.Delete)
		r.Route("/entities/{id}", func(r chi.Router) {
			r.Get("/", entitiesHandler.Get)
			r.Post("/split", entitiesHandler.Split)
			r.Post("/move", entitiesHandler.Move)
			r.Put("/name", entitiesHandler.Rename)
			r.Put("/cover", entitiesHandler.SetCover)
			r.Post("/describe", entitiesHandler.Describe)
			r.Get("/stories", s.stories.ListForEntity)
			r.Post("/stories", s.stories.Create)
		})

		// Stories
		r.Route("/stories/{storyId}", func(r chi.Router) {
			r.Get("/", s.stories.Get)
			r.Delete("/", s.stories.Delete)
			r.Get("/pages/{page}", s.stories.Page)
		})

		// Subjects
		r.Route("/subjects/{id}", func(r chi.Router) {
			r.Get("/", subjectsHandler.Get)
			r.Delete("/", subjectsHandler.Delete)
			r.Get("/sticker", subjectsHandler.Sticker)
			r.Get("/thumb", subjectsHandler.Thumbnail)
			r.Post("/exclude", subjectsHandler.Exclude)
			r.Post("/restore", subjectsHandler.Restore)
			r.Post("/adjust", subjectsHandler.Adjust)
			r.Get("/suggestions", subjectsHandler.Suggest)
			r.Get("/similarity/{otherId}", subjectsHandler.Similarity)
		})

		// Extraction jobs
		if processHandler != nil {
			r.Get("/process", processHandler.List)
			r.Get("/process/{jobId}", processHandler.Status)
			r.Get("/process/{jobId}/events", processHandler.Events)
			r.Delete("/process/{jobId}", processHandler.Cancel)
		}
	})
}
