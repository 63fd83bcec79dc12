package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kozaktomas/objectcamp/internal/ai"
	"github.com/kozaktomas/objectcamp/internal/blobstore"
	"github.com/kozaktomas/objectcamp/internal/cluster"
	"github.com/kozaktomas/objectcamp/internal/config"
	"github.com/kozaktomas/objectcamp/internal/constants"
	"github.com/kozaktomas/objectcamp/internal/database"
	"github.com/kozaktomas/objectcamp/internal/fingerprint"
)

var (
	ErrSpecNotFound = errors.New("target spec not found")
	ErrSpecDisabled = errors.New("target spec is disabled")
	ErrNoAssets     = errors.New("no assets to process")
	// ErrBadSticker marks a manual adjustment whose sticker could not be processed.
	ErrBadSticker = errors.New("sticker could not be processed")
)

// Store is the persistence the pipeline reads from.
type Store interface {
	database.SpecReader
	database.SubjectReader
	database.TaskWriter
}

// Committer writes extraction results through the cluster service so that
// entities stay consistent with their members.
type Committer interface {
	ReplaceSource(ctx context.Context, specID, sourceID string, fresh []database.Subject) ([]database.Subject, error)
	AdjustSubject(ctx context.Context, subjectID string, adj cluster.Adjustment) (*database.Subject, error)
}

// Clusterer groups the unclustered subjects of a spec.
type Clusterer interface {
	ClusterSpec(ctx context.Context, specID string) (*cluster.Result, error)
}

// Options tunes one extraction run.
type Options struct {
	// Force re-extracts assets that already produced subjects.
	Force bool
	// Concurrency overrides the configured number of parallel workers.
	Concurrency int
}

// Report summarizes a run.
type Report struct {
	Task           database.ProcessingTask `json:"task"`
	Subjects       int                     `json:"subjects"`
	Skipped        int                     `json:"skipped"`
	Replaced       int                     `json:"replaced,omitempty"`
	NearDuplicates []NearDuplicate         `json:"near_duplicates,omitempty"`
	Cluster        *cluster.Result         `json:"cluster,omitempty"`
}

// NearDuplicate pairs two assets of a run that show the same picture in
// different files, e.g. a re-encoded or resized copy.
type NearDuplicate struct {
	AssetID  string `json:"asset_id"`
	Of       string `json:"of"`
	Distance int    `json:"distance"`
}

// assetResult is the outcome of one processed asset.
type assetResult struct {
	created  int
	replaced int
	skipped  bool
	fp       *fingerprint.Fingerprint
}

// ProgressFunc receives a copy of the task after every processed asset.
type ProgressFunc func(task database.ProcessingTask)

// Pipeline extracts subjects from source images.
type Pipeline struct {
	store     Store
	committer Committer
	detector  Detector
	embedder  Embedder
	blobs     *blobstore.Store
	logger    *zap.Logger
	now       func() time.Time

	minConfidence float64
	iouThreshold  float64
	concurrency   int
	thumbSize     int
}

// NewPipeline wires a pipeline from its collaborators and the cluster/storage config.
func NewPipeline(
	store Store, committer Committer, detector Detector, embedder Embedder, blobs *blobstore.Store,
	clusterCfg config.ClusterConfig, storageCfg config.StorageConfig, logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:         store,
		committer:     committer,
		detector:      detector,
		embedder:      embedder,
		blobs:         blobs,
		logger:        logger.Named("extraction"),
		now:           time.Now,
		minConfidence: clusterCfg.MinConfidence,
		iouThreshold:  clusterCfg.IoUThreshold,
		concurrency:   max(1, clusterCfg.Concurrency),
		thumbSize:     storageCfg.ThumbSize,
	}
}

// Run extracts subjects from every asset and records the run as a task.
// Failures of single assets are counted on the task and do not stop the run.
// A cancelled context marks the task cancelled and returns the context error.
func (p *Pipeline) Run(
	ctx context.Context, specID string, assetIDs []string, loader AssetLoader, opts Options, progress ProgressFunc,
) (*Report, error) {
	if len(assetIDs) == 0 {
		return nil, ErrNoAssets
	}
	spec, err := p.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, fmt.Errorf("fetching spec %s: %w", specID, err)
	}
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, specID)
	}
	if !spec.IsEnabled {
		return nil, fmt.Errorf("%w: %s", ErrSpecDisabled, specID)
	}

	task := &database.ProcessingTask{
		ID:           uuid.New().String(),
		TargetSpecID: specID,
		Status:       database.TaskPending,
		AssetIDs:     append([]string(nil), assetIDs...),
		TotalCount:   len(assetIDs),
		CreatedAt:    p.now(),
	}
	if err := p.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	started := p.now()
	task.Status = database.TaskProcessing
	task.StartedAt = &started
	p.saveTask(ctx, task)

	report := &Report{}
	var mu sync.Mutex
	seen := make(map[string]*fingerprint.Fingerprint, len(assetIDs))
	var seenOrder []string
	record := func(assetID string, res assetResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			task.RecordFailure(assetID)
			if task.ErrorMessage == "" {
				task.ErrorMessage = err.Error()
			}
		} else {
			task.RecordSuccess()
			report.Subjects += res.created
			report.Replaced += res.replaced
			if res.skipped {
				report.Skipped++
			}
		}
		if res.fp != nil {
			for _, other := range seenOrder {
				if res.fp.NearDuplicate(seen[other], constants.NearDuplicateDistance) {
					report.NearDuplicates = append(report.NearDuplicates, NearDuplicate{
						AssetID:  assetID,
						Of:       other,
						Distance: res.fp.Distance(seen[other]),
					})
					p.logger.Info("near-duplicate asset",
						zap.String("asset_id", assetID),
						zap.String("of", other))
					break
				}
			}
			seen[assetID] = res.fp
			seenOrder = append(seenOrder, assetID)
		}
		p.saveTask(ctx, task)
		if progress != nil {
			progress(*task)
		}
	}

	concurrency := p.concurrency
	if opts.Concurrency > 0 {
		concurrency = opts.Concurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, assetID := range assetIDs {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(assetID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			res, err := p.processAsset(ctx, specID, assetID, loader, opts.Force)
			if err != nil && ctx.Err() != nil {
				return
			}
			if err != nil {
				p.logger.Warn("asset extraction failed",
					zap.String("spec_id", specID),
					zap.String("asset_id", assetID),
					zap.Error(err))
			}
			record(assetID, res, err)
		}(assetID)
	}
	wg.Wait()

	completed := p.now()
	task.CompletedAt = &completed
	task.Status = database.TaskCompleted
	if ctx.Err() != nil {
		task.Status = database.TaskCancelled
	}
	// The run context may be done; the final state is still persisted.
	p.saveTask(context.WithoutCancel(ctx), task)

	report.Task = *task
	p.logger.Info("extraction finished",
		zap.String("spec_id", specID),
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int("processed", task.ProcessedCount),
		zap.Int("failed", task.FailureCount),
		zap.Int("subjects", report.Subjects))

	if ctx.Err() != nil {
		return report, ctx.Err()
	}
	return report, nil
}

// Process runs extraction and then clusters the spec's new subjects.
func (p *Pipeline) Process(
	ctx context.Context, specID string, assetIDs []string, loader AssetLoader, opts Options,
	clusterer Clusterer, progress ProgressFunc,
) (*Report, error) {
	report, err := p.Run(ctx, specID, assetIDs, loader, opts, progress)
	if err != nil {
		return report, err
	}
	result, err := clusterer.ClusterSpec(ctx, specID)
	if err != nil {
		return report, fmt.Errorf("clustering after extraction: %w", err)
	}
	report.Cluster = result
	return report, nil
}

func (p *Pipeline) saveTask(ctx context.Context, task *database.ProcessingTask) {
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Warn("failed to persist task progress", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// processAsset extracts and stores the subjects of one asset. Assets are
// identified by content, so renamed copies are skipped and different images
// sharing a file name are not. With force, the subjects of an earlier
// extraction are replaced in the same commit.
func (p *Pipeline) processAsset(
	ctx context.Context, specID, assetID string, loader AssetLoader, force bool,
) (assetResult, error) {
	data, err := loader.Load(ctx, assetID)
	if err != nil {
		return assetResult{}, err
	}
	fp, err := fingerprint.Compute(data)
	if err != nil {
		return assetResult{}, fmt.Errorf("fingerprinting image: %w", err)
	}
	res := assetResult{fp: fp}
	sourceID := fp.SourceID()

	if !force {
		existing, err := p.store.SubjectsBySource(ctx, specID, sourceID)
		if err != nil {
			return res, fmt.Errorf("checking existing subjects: %w", err)
		}
		if len(existing) > 0 {
			p.logger.Debug("asset already extracted",
				zap.String("asset_id", assetID),
				zap.String("source_id", sourceID),
				zap.Int("subjects", len(existing)))
			res.skipped = true
			return res, nil
		}
	}

	resized, err := ai.ResizeImage(data, constants.MaxImageSize)
	if err != nil {
		return res, fmt.Errorf("preparing image: %w", err)
	}

	detections, err := p.detector.DetectSubjects(ctx, resized)
	if err != nil {
		return res, fmt.Errorf("detecting subjects: %w", err)
	}
	detections = FilterDetections(detections, p.minConfidence, p.iouThreshold, constants.MaxSubjectsPerImage)

	subjects := make([]database.Subject, 0, len(detections))
	var written []string
	for _, d := range detections {
		subject, paths, err := p.storeDetection(ctx, specID, sourceID, d)
		written = append(written, paths...)
		if err != nil {
			p.cleanup(written)
			return res, err
		}
		subjects = append(subjects, subject)
	}

	removed, err := p.committer.ReplaceSource(ctx, specID, sourceID, subjects)
	if err != nil {
		p.cleanup(written)
		return res, fmt.Errorf("saving subjects: %w", err)
	}
	p.cleanup(subjectBlobs(removed))

	res.created = len(subjects)
	res.replaced = len(removed)
	return res, nil
}

func subjectBlobs(subjects []database.Subject) []string {
	paths := make([]string, 0, 2*len(subjects))
	for _, s := range subjects {
		paths = append(paths, s.StickerPath)
		if s.ThumbnailPath != "" {
			paths = append(paths, s.ThumbnailPath)
		}
	}
	return paths
}

// storeDetection writes the sticker and thumbnail blobs and builds the subject row.
// The embedding is best effort: without it the subject is stored unclustered
// and without a vector.
func (p *Pipeline) storeDetection(ctx context.Context, specID, sourceID string, d Detection) (database.Subject, []string, error) {
	id := uuid.New().String()
	stickerPath := blobstore.StickerPath(specID, id)
	thumbPath := blobstore.ThumbnailPath(specID, id)

	if err := p.blobs.Put(stickerPath, d.Sticker); err != nil {
		return database.Subject{}, nil, fmt.Errorf("writing sticker: %w", err)
	}
	written := []string{stickerPath}

	thumb, err := blobstore.Thumbnail(d.Sticker, p.thumbSize)
	if err != nil {
		return database.Subject{}, written, fmt.Errorf("creating thumbnail: %w", err)
	}
	if err := p.blobs.Put(thumbPath, thumb); err != nil {
		return database.Subject{}, written, fmt.Errorf("writing thumbnail: %w", err)
	}
	written = append(written, thumbPath)

	subject := database.Subject{
		ID:               id,
		TargetSpecID:     specID,
		SourceImageID:    sourceID,
		StickerPath:      stickerPath,
		ThumbnailPath:    thumbPath,
		BoundingBox:      database.BoundingBoxFromCorners(clampBBox(d.BBox)),
		Confidence:       d.Confidence,
		ExtractionMethod: database.ExtractionAutomatic,
		ExtractedAt:      p.now(),
	}

	vec, err := p.embedder.ComputeEmbedding(ctx, d.Sticker)
	if err != nil {
		p.logger.Warn("feature extraction failed, subject stored without vector",
			zap.String("subject_id", id),
			zap.String("source_id", sourceID),
			zap.Error(err))
	} else {
		subject.FeatureVector = database.FeatureVector(vec)
	}
	return subject, written, nil
}

// Adjust replaces the sticker of a subject with a manually adjusted one.
// The new sticker and thumbnail are written next to the current ones and the
// subject is committed through the cluster service; the previous files are
// deleted only once the commit succeeded, so a failed commit leaves the stored
// subject and its files untouched.
func (p *Pipeline) Adjust(
	ctx context.Context, subject *database.Subject, sticker []byte, bbox *database.BoundingBox,
) (*database.Subject, error) {
	thumb, err := blobstore.Thumbnail(sticker, p.thumbSize)
	if err != nil {
		return nil, fmt.Errorf("%w: creating thumbnail: %w", ErrBadSticker, err)
	}
	vec, err := p.embedder.ComputeEmbedding(ctx, sticker)
	if err != nil {
		return nil, fmt.Errorf("%w: computing feature vector: %w", ErrBadSticker, err)
	}

	rev := uuid.New().String()[:8]
	adj := cluster.Adjustment{
		StickerPath:   blobstore.Revision(blobstore.StickerPath(subject.TargetSpecID, subject.ID), rev),
		ThumbnailPath: blobstore.Revision(blobstore.ThumbnailPath(subject.TargetSpecID, subject.ID), rev),
		BoundingBox:   bbox,
		FeatureVector: database.FeatureVector(vec),
	}

	if err := p.blobs.Put(adj.StickerPath, sticker); err != nil {
		return nil, fmt.Errorf("writing sticker: %w", err)
	}
	written := []string{adj.StickerPath}
	if err := p.blobs.Put(adj.ThumbnailPath, thumb); err != nil {
		p.cleanup(written)
		return nil, fmt.Errorf("writing thumbnail: %w", err)
	}
	written = append(written, adj.ThumbnailPath)

	updated, err := p.committer.AdjustSubject(ctx, subject.ID, adj)
	if err != nil {
		p.cleanup(written)
		return nil, err
	}
	p.cleanup(subjectBlobs([]database.Subject{*subject}))
	return updated, nil
}

func (p *Pipeline) cleanup(paths []string) {
	if err := p.blobs.Delete(paths...); err != nil {
		p.logger.Warn("failed to remove orphaned blobs", zap.Error(err))
	}
}
