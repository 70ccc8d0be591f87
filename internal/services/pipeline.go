package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/IBM/taxinomitis/internal/cache"
	"github.com/IBM/taxinomitis/internal/dataset"
	"github.com/IBM/taxinomitis/internal/learning"
	"github.com/IBM/taxinomitis/internal/logger"
	"github.com/IBM/taxinomitis/internal/models"
	"github.com/IBM/taxinomitis/internal/storage"
)

// Files and folders written for a model
const (
	ModelFolderName    = "model"
	ModelArchiveName   = "model.zip"
	BundleArchiveName  = "model-bundle.zip"
	ModelJSONFileName  = "model.json"
	TreeSVGFileName    = "tree.svg"
	TreeDOTFileName    = "tree.dot"
	VocabularyFileName = "vocab.json"
)

const visualisationAttempts = 2

// errSuperseded stops a run whose key was evicted, deleted or retrained
var errSuperseded = errors.New("training run no longer owns the model key")

// stageError is a pipeline failure with the stack where it was caught
type stageError struct {
	stage string
	err   error
	stack []byte
}

func (e *stageError) Error() string {
	return e.stage + ": " + e.err.Error()
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failStage(stage string, err error) error {
	if errors.Is(err, errSuperseded) {
		return err
	}
	return &stageError{stage: stage, err: err, stack: debug.Stack()}
}

// Pipeline takes one accepted request from Training to Available or Failed
type Pipeline struct {
	store     *storage.ArtifactStore
	cache     *cache.ModelCache
	locks     *keyLock
	learner   learning.Learner
	renderer  learning.Renderer
	mirror    storage.Mirror
	publicURL string
	now       func() time.Time
}

// trainingRun is the state of one run as it moves through the stages
type trainingRun struct {
	key   string
	runID string
	entry models.ModelInfo
	log   *logrus.Entry
}

// Run executes every stage for one request. Errors never escape: they are
// recorded on the ledger entry as a Failed status.
func (p *Pipeline) Run(ctx context.Context, key string, frame *dataset.Frame, entry models.ModelInfo) {
	r := &trainingRun{
		key:   key,
		runID: entry.RunID,
		entry: entry,
		log:   logger.WithRun(key, entry.RunID),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("Training panicked")
			p.fail(r, &stageError{stage: "training", err: fmt.Errorf("panic: %v", rec), stack: debug.Stack()})
		}
	}()

	start := time.Now()
	if err := p.execute(ctx, r, frame); err != nil {
		if errors.Is(err, errSuperseded) {
			r.log.Info("Training run abandoned: model was replaced or removed")
			p.abandon(r)
			return
		}
		p.fail(r, err)
		return
	}
	r.log.WithField("duration", time.Since(start).String()).Infof("%s : Training complete", key)
}

func (p *Pipeline) execute(ctx context.Context, r *trainingRun, frame *dataset.Frame) error {
	r.log.Infof("%s : Training model", r.key)

	visualisation := p.visualise(ctx, r, frame)
	if !p.cache.OwnedBy(r.key, r.runID) {
		return errSuperseded
	}

	r.log.Infof("%s : Identifying feature types", r.key)
	features := DescribeFeatures(frame, LabelColumn)

	r.log.Infof("%s : Renaming features for use with saved models", r.key)
	mapping := SanitizeFeatureNames(features, LabelColumn)
	next, err := r.entry.WithFeatures(features, p.now())
	if err != nil {
		return failStage("features", err)
	}
	if err := p.record(r, next); err != nil {
		return failStage("features", err)
	}
	renamed := frame.Clone()
	renamed.Rename(mapping)

	r.log.Infof("%s : Identifying target label", r.key)
	labels, indexed, err := ExtractLabels(renamed, LabelColumn)
	if err != nil {
		return failStage("labels", err)
	}
	r.log.WithField("labels", labels).Infof("%s : classes in target label", r.key)
	next, err = r.entry.WithLabels(labels, p.now())
	if err != nil {
		return failStage("labels", err)
	}
	if err := p.record(r, next); err != nil {
		return failStage("labels", err)
	}

	r.log.Infof("%s : Training a model", r.key)
	model, err := p.learner.Train(ctx, indexed, LabelColumn)
	if err != nil {
		return failStage("train", err)
	}
	if err := ctx.Err(); err != nil {
		return failStage("train", err)
	}

	r.log.Infof("%s : Saving the model", r.key)
	exported, err := p.packageModel(r, model)
	if err != nil {
		return failStage("package", err)
	}

	r.log.Infof("%s : Updating the status", r.key)
	urls := p.availableURLs(r.key, exported, visualisation)
	next, err = r.entry.MarkAvailable(urls, p.now())
	if err != nil {
		return failStage("status", err)
	}
	if err := p.commit(r, next); err != nil {
		return failStage("status", err)
	}

	p.publish(ctx, r)
	return nil
}

// withKey runs fn holding the key lock, provided the run still owns the key
func (p *Pipeline) withKey(r *trainingRun, fn func() error) error {
	unlock := p.locks.Lock(r.key)
	defer unlock()
	if !p.cache.OwnedBy(r.key, r.runID) {
		return errSuperseded
	}
	return fn()
}

// record persists an intermediate ledger entry and publishes it to readers
func (p *Pipeline) record(r *trainingRun, next models.ModelInfo) error {
	return p.withKey(r, func() error {
		if err := p.store.WriteStatus(r.key, next); err != nil {
			return err
		}
		if !p.cache.ReplaceRun(r.key, r.runID, next) {
			return errSuperseded
		}
		r.entry = next
		return nil
	})
}

// commit records the Available entry and prunes working files in one step,
// so that no newer run can start in between.
func (p *Pipeline) commit(r *trainingRun, next models.ModelInfo) error {
	return p.withKey(r, func() error {
		if err := p.store.WriteStatus(r.key, next); err != nil {
			return err
		}
		if !p.cache.ReplaceRun(r.key, r.runID, next) {
			return errSuperseded
		}
		r.entry = next

		r.log.Infof("%s : Deleting working files", r.key)
		if err := p.store.PruneWorkingFiles(r.key); err != nil {
			r.log.WithError(err).Warn("Failed to prune working files")
		}
		return nil
	})
}

// fail records a Failed entry, keeping whatever features and labels the
// run had already worked out. Working files are left for inspection.
func (p *Pipeline) fail(r *trainingRun, err error) {
	cause := models.ErrorInfo{Message: err.Error()}
	var se *stageError
	if errors.As(err, &se) {
		cause.Stack = string(se.stack)
	} else {
		cause.Stack = string(debug.Stack())
	}
	r.log.WithError(err).WithField("stack", cause.Stack).Errorf("%s : Failed to train model", r.key)

	next, terr := r.entry.MarkFailed(cause, p.now())
	if terr != nil {
		r.log.WithError(terr).Error("Failed to build failed status")
		return
	}
	err = p.withKey(r, func() error {
		if werr := p.store.WriteStatus(r.key, next); werr != nil {
			// the cache still moves on, or the key would stay Training forever
			r.log.WithError(werr).Errorf("%s : Status file not updated, it still says %s", r.key, r.entry.Status)
		}
		if !p.cache.ReplaceRun(r.key, r.runID, next) {
			return errSuperseded
		}
		r.entry = next
		return nil
	})
	if errors.Is(err, errSuperseded) {
		p.abandon(r)
	}
}

// abandon cleans up after a run that lost its key. If no other run has
// taken the key over, anything this run wrote after the eviction is removed.
func (p *Pipeline) abandon(r *trainingRun) {
	unlock := p.locks.Lock(r.key)
	defer unlock()
	if p.cache.Contains(r.key) {
		return
	}
	if err := p.store.DeleteAll(r.key); err != nil {
		r.log.WithError(err).Warn("Failed to remove files of abandoned run")
	}
}

// visualise draws a tree from the raw, unrenamed data. It is retried once
// and its failure never fails the run. It returns the files it produced.
func (p *Pipeline) visualise(ctx context.Context, r *trainingRun, frame *dataset.Frame) map[string]bool {
	if p.renderer == nil {
		return nil
	}
	r.log.Infof("%s : Creating visualisation of a decision tree", r.key)
	for attempt := 1; attempt <= visualisationAttempts; attempt++ {
		files, err := p.tryVisualise(ctx, r, frame)
		if err == nil {
			return files
		}
		if errors.Is(err, errSuperseded) || ctx.Err() != nil {
			return nil
		}
		r.log.WithError(err).WithField("attempt", attempt).Warnf("%s : Visualisation failed", r.key)
	}
	return nil
}

func (p *Pipeline) tryVisualise(ctx context.Context, r *trainingRun, frame *dataset.Frame) (files map[string]bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("visualisation panic: %v", rec)
		}
	}()

	model, err := p.learner.Train(ctx, frame, LabelColumn)
	if err != nil {
		return nil, err
	}
	vis, err := p.renderer.Render(ctx, model)
	if err != nil {
		return nil, err
	}
	vocab, err := json.Marshal(vis.Vocabulary)
	if err != nil {
		return nil, err
	}

	outputs := map[string][]byte{
		TreeDOTFileName:    []byte(vis.DOT),
		VocabularyFileName: vocab,
	}
	if vis.SVG != "" {
		outputs[TreeSVGFileName] = []byte(vis.SVG)
	}

	files = make(map[string]bool, len(outputs))
	err = p.withKey(r, func() error {
		download, err := p.store.CreateDownloadFolder(r.key)
		if err != nil {
			return err
		}
		for name, data := range outputs {
			if err := os.WriteFile(filepath.Join(download, name), data, 0o644); err != nil {
				return err
			}
			files[name] = true
		}
		return nil
	})
	return files, err
}

// packageModel saves the model to a working folder and writes the download
// archives. It reports whether the JSON export was written.
func (p *Pipeline) packageModel(r *trainingRun, model learning.Model) (bool, error) {
	exported := false
	err := p.withKey(r, func() error {
		modelDir, err := p.store.CreateWorkingFolder(r.key, ModelFolderName)
		if err != nil {
			return err
		}
		if err := model.Save(modelDir); err != nil {
			return fmt.Errorf("save model: %w", err)
		}

		download, err := p.store.CreateDownloadFolder(r.key)
		if err != nil {
			return err
		}
		r.log.Infof("%s : Zipping model for browser use", r.key)
		if err := storage.CreateZipFlat(modelDir, filepath.Join(download, ModelArchiveName)); err != nil {
			return err
		}
		if err := storage.CreateZipTree(modelDir, filepath.Join(download, BundleArchiveName)); err != nil {
			return err
		}

		exporter, ok := model.(learning.Exporter)
		if !ok {
			return nil
		}
		r.log.Infof("%s : Exporting model for in-browser inference", r.key)
		if err := writeExport(exporter, filepath.Join(download, ModelJSONFileName)); err != nil {
			return err
		}
		exported = true
		return nil
	})
	return exported, err
}

func writeExport(exporter learning.Exporter, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := exporter.Export(f); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("export model: %w", err)
	}
	return f.Close()
}

func (p *Pipeline) availableURLs(key string, exported bool, visualisation map[string]bool) models.ModelURLs {
	download := func(name string) string {
		return modelURL(p.publicURL, key, storage.DownloadFolderName+"/"+name)
	}
	urls := models.ModelURLs{
		Status: modelURL(p.publicURL, key, storage.StatusFileName),
		Model:  download(ModelArchiveName),
		Bundle: download(BundleArchiveName),
	}
	if exported {
		urls.JSON = download(ModelJSONFileName)
	}
	if visualisation[TreeSVGFileName] {
		urls.Tree = download(TreeSVGFileName)
	}
	if visualisation[TreeDOTFileName] {
		urls.Dot = download(TreeDOTFileName)
	}
	if visualisation[VocabularyFileName] {
		urls.Vocab = download(VocabularyFileName)
	}
	return urls
}

// publish copies the download folder to the mirror. Failures only log.
func (p *Pipeline) publish(ctx context.Context, r *trainingRun) {
	if p.mirror == nil {
		return
	}
	if _, ok := p.mirror.(storage.NoopMirror); ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := p.mirror.Publish(ctx, r.key, p.store.DownloadLocation(r.key)); err != nil {
		r.log.WithError(err).Warn("Failed to mirror model artifacts")
	}
}
