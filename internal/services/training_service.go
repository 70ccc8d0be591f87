package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/IBM/taxinomitis/internal/cache"
	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/learning"
	"github.com/IBM/taxinomitis/internal/logger"
	"github.com/IBM/taxinomitis/internal/models"
	"github.com/IBM/taxinomitis/internal/storage"
)

var (
	// ErrTrainingInProgress rejects a request for a key that is already training
	ErrTrainingInProgress = errors.New("model training in progress")
	// ErrQueueFull rejects a request when every training slot is taken
	ErrQueueFull = errors.New("training queue is full")
	// ErrShuttingDown rejects requests that arrive after Stop
	ErrShuttingDown = errors.New("training service is shutting down")
	// ErrModelNotAvailable is returned when classifying with a model that is not Available
	ErrModelNotAvailable = errors.New("model is not available")
)

// restartMessage is recorded on runs that were training when the process died
const restartMessage = "training interrupted by service restart"

const mirrorTimeout = time.Minute

// Options configures a TrainingService
type Options struct {
	PublicModelsURL string
	CacheSize       int
	Workers         int
	QueueSize       int
	// Timeout bounds one training run. Zero means no limit.
	Timeout time.Duration
}

// Dependencies are the collaborators a TrainingService drives
type Dependencies struct {
	Store    *storage.ArtifactStore
	Learner  learning.Learner
	Loader   learning.Loader
	Renderer learning.Renderer // optional
	Owners   OwnerIndex        // defaults to an in-memory index
	Mirror   storage.Mirror    // defaults to no mirror
}

type trainingJob struct {
	key   string
	frame *dataset.Frame
	entry models.ModelInfo
}

// CacheStats summarises the model cache for health checks
type CacheStats struct {
	Models    int   `json:"models"`
	Capacity  int   `json:"capacity"`
	Evictions int64 `json:"evictions"`
}

// TrainingService accepts training requests, allows at most one in-flight
// run per model key, and runs accepted requests on a bounded worker pool.
type TrainingService struct {
	store    *storage.ArtifactStore
	cache    *cache.ModelCache
	owners   OwnerIndex
	mirror   storage.Mirror
	loader   learning.Loader
	pipeline *Pipeline
	locks    *keyLock
	opts     Options

	slots       *semaphore.Weighted
	jobQueue    chan trainingJob
	workerCount int
	stopChan    chan struct{}
	wg          sync.WaitGroup
	mirrorWG    sync.WaitGroup

	// guards stopped so that nothing is queued after Stop
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	runCtx    context.Context
	cancelRun context.CancelFunc

	// cancel funcs of started runs, by run id
	runsMu sync.Mutex
	runs   map[string]context.CancelFunc

	now      func() time.Time
	newRunID func() string
}

// NewTrainingService builds the model cache and starts the training workers
func NewTrainingService(opts Options, deps Dependencies) (*TrainingService, error) {
	if deps.Store == nil || deps.Learner == nil || deps.Loader == nil {
		return nil, errors.New("training service needs a store, a learner and a loader")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("training workers must be at least 1, got %d", opts.Workers)
	}
	if opts.QueueSize < 0 {
		return nil, fmt.Errorf("training queue size must not be negative, got %d", opts.QueueSize)
	}
	if deps.Owners == nil {
		deps.Owners = NewMemoryOwnerIndex()
	}
	if deps.Mirror == nil {
		deps.Mirror = storage.NoopMirror{}
	}

	slots := opts.Workers + opts.QueueSize
	runCtx, cancel := context.WithCancel(context.Background())
	s := &TrainingService{
		store:       deps.Store,
		owners:      deps.Owners,
		mirror:      deps.Mirror,
		loader:      deps.Loader,
		locks:       newKeyLock(),
		opts:        opts,
		slots:       semaphore.NewWeighted(int64(slots)),
		jobQueue:    make(chan trainingJob, slots),
		workerCount: opts.Workers,
		stopChan:    make(chan struct{}),
		runCtx:      runCtx,
		cancelRun:   cancel,
		runs:        make(map[string]context.CancelFunc),
		now:         time.Now,
		newRunID:    uuid.NewString,
	}

	modelCache, err := cache.New(opts.CacheSize, s.onEvict)
	if err != nil {
		cancel()
		return nil, err
	}
	s.cache = modelCache
	s.pipeline = &Pipeline{
		store:     deps.Store,
		cache:     modelCache,
		locks:     s.locks,
		learner:   deps.Learner,
		renderer:  deps.Renderer,
		mirror:    deps.Mirror,
		publicURL: opts.PublicModelsURL,
		now:       func() time.Time { return s.now() },
	}

	// Start workers
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	logger.Info("Training service started", map[string]interface{}{
		"workers":   opts.Workers,
		"queueSize": opts.QueueSize,
		"cacheSize": opts.CacheSize,
		"timeout":   opts.Timeout.String(),
	})
	return s, nil
}

// worker runs queued training jobs
func (s *TrainingService) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobQueue:
			logger.Debug("Worker picked up training job", map[string]interface{}{
				"workerID": id,
				"key":      job.key,
				"runID":    job.entry.RunID,
			})
			s.run(job)

		case <-s.stopChan:
			logger.Info("Worker stopping", map[string]interface{}{"workerID": id})
			return
		}
	}
}

func (s *TrainingService) run(job trainingJob) {
	defer s.slots.Release(1)

	runID := job.entry.RunID
	ctx, cancel := s.runContext()
	s.runsMu.Lock()
	s.runs[runID] = cancel
	s.runsMu.Unlock()
	defer func() {
		s.runsMu.Lock()
		delete(s.runs, runID)
		s.runsMu.Unlock()
		cancel()
	}()

	// registered before this check, so a later eviction finds the cancel func
	if !s.cache.OwnedBy(job.key, runID) {
		logger.WithRun(job.key, runID).Info("Skipping training run: model was removed while queued")
		s.pipeline.abandon(&trainingRun{key: job.key, runID: runID, log: logger.WithRun(job.key, runID)})
		return
	}
	s.pipeline.Run(ctx, job.key, job.frame, job.entry)
}

// cancelRunID stops the run that owns an entry which has left the cache
func (s *TrainingService) cancelRunID(runID string) {
	if runID == "" {
		return
	}
	s.runsMu.Lock()
	cancel, ok := s.runs[runID]
	s.runsMu.Unlock()
	if ok {
		cancel()
	}
}

func (s *TrainingService) runContext() (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(s.runCtx, s.opts.Timeout)
	}
	return context.WithCancel(s.runCtx)
}

// Submit accepts a training request for key and returns the new Training
// entry. The frame must already be parsed; training happens in the background.
func (s *TrainingService) Submit(ctx context.Context, key, owner string, frame *dataset.Frame) (models.ModelInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return models.ModelInfo{}, err
	}
	log := logger.WithModel(key, "training_service")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return models.ModelInfo{}, ErrShuttingDown
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	log.Info("Checking for existing model")
	current, cached := s.cache.Get(key)
	if cached && current.IsTraining() {
		log.Info("Model training in progress. Rejecting request")
		return models.ModelInfo{}, ErrTrainingInProgress
	}
	if !cached {
		if onDisk, found, err := s.store.ReadStatus(key); err == nil && found {
			current = onDisk
		}
	}

	if !s.slots.TryAcquire(1) {
		log.Warn("No training slots left. Rejecting request")
		return models.ModelInfo{}, ErrQueueFull
	}
	queued := false
	defer func() {
		if !queued {
			s.slots.Release(1)
		}
	}()

	entry := models.NewTrainingAfter(key, modelURL(s.opts.PublicModelsURL, key, storage.StatusFileName),
		s.newRunID(), current.LastUpdate, s.now())

	// The entry is cached before the folder is touched. Evictions delete
	// files while the cache is locked, so any eviction of an older entry
	// for this key has finished by now and cannot wipe the new folder.
	s.cache.Put(key, entry)

	log.Info("Creating model folder")
	if _, err := s.store.PrepareCleanFolder(key); err != nil {
		s.cache.Remove(key)
		return models.ModelInfo{}, err
	}
	if err := s.store.WriteStatus(key, entry); err != nil {
		// nothing is left behind for a request that could not be recorded
		s.cache.Remove(key)
		return models.ModelInfo{}, err
	}

	if err := s.owners.Record(ctx, key, owner); err != nil {
		log.WithError(err).Warn("Failed to record model owner")
	}

	s.jobQueue <- trainingJob{key: key, frame: frame, entry: entry}
	queued = true

	log.WithField("run_id", entry.RunID).Info("Training request accepted")
	return entry, nil
}

// Status returns the ledger entry for key. Keys with no entry report
// Unavailable. Entries missing from the cache are read from their status
// file and cached.
func (s *TrainingService) Status(key string) (models.ModelInfo, error) {
	if info, ok := s.cache.Get(key); ok {
		return info, nil
	}
	if storage.ValidateKey(key) != nil {
		return models.Unavailable(key), nil
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	if info, ok := s.cache.Get(key); ok {
		return info, nil
	}
	info, found, err := s.store.ReadStatus(key)
	if err != nil {
		if errors.Is(err, storage.ErrIO) {
			return models.ModelInfo{}, err
		}
		logger.WithModel(key, "training_service").WithError(err).Warn("Ignoring unreadable status file")
		return models.Unavailable(key), nil
	}
	if !found {
		return models.Unavailable(key), nil
	}
	// a Training entry on disk has no live run behind it
	if info.IsTraining() {
		return info, nil
	}

	s.cache.PutIfAbsent(key, info)
	if !s.store.Exists(key) {
		s.cache.Remove(key)
		return models.Unavailable(key), nil
	}
	return info, nil
}

// Delete removes every trace of a model key. Deleting an unknown key is not an error.
func (s *TrainingService) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	log := logger.WithModel(key, "training_service")
	log.Info("Deleting model")

	if !s.cache.Remove(key) {
		if err := s.store.DeleteAll(key); err != nil {
			return err
		}
	}
	if err := s.mirror.Remove(ctx, key); err != nil {
		log.WithError(err).Warn("Failed to remove mirrored artifacts")
	}
	return s.owners.Forget(ctx, key)
}

// DeleteOwner deletes every model recorded for owner and returns their keys
func (s *TrainingService) DeleteOwner(ctx context.Context, owner string) ([]string, error) {
	keys, err := s.owners.Keys(ctx, owner)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("Deleted models for owner", map[string]interface{}{
		"owner":  owner,
		"models": len(keys),
	})
	return keys, errors.Join(errs...)
}

// Classify predicts the label of one set of feature values using the
// packaged model for key. Values may be keyed by original or sanitised
// feature name. The result maps each label to a percentage.
func (s *TrainingService) Classify(ctx context.Context, key string, values map[string]string) (map[string]float64, error) {
	info, err := s.Status(key)
	if err != nil {
		return nil, err
	}
	if info.Status != models.StatusAvailable {
		return nil, ErrModelNotAvailable
	}

	f, err := os.Open(filepath.Join(s.store.DownloadLocation(key), ModelJSONFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrModelNotAvailable
		}
		return nil, fmt.Errorf("%w: open model for %s: %v", storage.ErrIO, key, err)
	}
	defer f.Close()

	model, err := s.loader.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load model for %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mapping := info.Features.SanitizedNames()
	row := make(map[string]string, len(values))
	for name, v := range values {
		if sanitized, ok := mapping[name]; ok {
			name = sanitized
		}
		row[name] = v
	}

	probs, err := model.Predict(row)
	if err != nil {
		return nil, err
	}
	result := make(map[string]float64, len(info.Labels))
	for i, class := range model.Classes() {
		idx, err := strconv.Atoi(class)
		if err != nil || idx < 0 || idx >= len(info.Labels) || i >= len(probs) {
			return nil, fmt.Errorf("model for %s predicts unknown class %q", key, class)
		}
		result[info.Labels[idx]] = probs[i] * 100
	}
	return result, nil
}

// Rehydrate loads every persisted status file into the cache, oldest first,
// so that overflow evicts the least recently updated models. Entries left in
// Training by a previous process are marked Failed.
func (s *TrainingService) Rehydrate(ctx context.Context) (int, error) {
	keys, err := s.store.ListKeys()
	if err != nil {
		return 0, err
	}

	var entries []models.ModelInfo
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		info, found, err := s.store.ReadStatus(key)
		if err != nil {
			logger.WithModel(key, "rehydrate").WithError(err).Warn("Skipping unreadable status file")
			continue
		}
		if !found {
			continue
		}
		if info.IsTraining() {
			failed, err := info.MarkFailed(models.ErrorInfo{Message: restartMessage}, s.now())
			if err != nil {
				return 0, err
			}
			if err := s.store.WriteStatus(key, failed); err != nil {
				return 0, err
			}
			info = failed
		}
		entries = append(entries, info)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastUpdate.Before(entries[j].LastUpdate)
	})
	for _, info := range entries {
		s.cache.Put(info.Key, info)
	}

	logger.Info("Model cache rehydrated", map[string]interface{}{
		"found":  len(entries),
		"cached": s.cache.Len(),
	})
	return len(entries), nil
}

// Stats reports the cache size for health checks
func (s *TrainingService) Stats() CacheStats {
	return CacheStats{
		Models:    s.cache.Len(),
		Capacity:  s.opts.CacheSize,
		Evictions: s.cache.Evictions(),
	}
}

// Stop rejects new requests, cancels in-flight runs, waits for the workers
// and records any queued request that never started as Failed.
func (s *TrainingService) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancelRun()
		close(s.stopChan)
		s.wg.Wait()

		for {
			select {
			case job := <-s.jobQueue:
				s.run(job)
			default:
				s.mirrorWG.Wait()
				logger.Info("Training service stopped", nil)
				return
			}
		}
	})
}

// onEvict runs inside the cache while it is locked, so it must not take key
// locks. A run still training the entry is cancelled. Files are removed
// before the evicting call returns; the mirror copy is removed in the
// background.
func (s *TrainingService) onEvict(key string, info models.ModelInfo) {
	log := logger.WithModel(key, "model_cache")
	log.WithField("status", info.Status).Info("Evicting model")
	s.cancelRunID(info.RunID)
	if err := s.store.DeleteAll(key); err != nil {
		log.WithError(err).Error("Failed to delete evicted model files")
	}

	s.mirrorWG.Add(1)
	go func() {
		defer s.mirrorWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.mirror.Remove(ctx, key); err != nil {
			log.WithError(err).Warn("Failed to remove mirrored artifacts")
		}
		if err := s.owners.Forget(ctx, key); err != nil {
			log.WithError(err).Warn("Failed to forget model owner")
		}
	}()
}

// modelURL is the public URL of a file inside a model's folder
func modelURL(base, key, file string) string {
	return base + "/" + url.PathEscape(key) + "/" + file
}
