// Package supervisor owns the currently-active inference pipeline and the
// registry of in-flight jobs. All mutations of the current-pipeline slot
// happen under one lock so a job is never dispatched against a pipeline
// that is mid-teardown.
package supervisor

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vistream/detection-relay/adapter"
	"github.com/vistream/detection-relay/engine"
	"github.com/vistream/detection-relay/pubsub"
	"github.com/vistream/detection-relay/registry"
	"github.com/vistream/detection-relay/settings"
)

var (
	// ErrNotConfigured means no pipeline is active and no model selection
	// has been persisted to build one from.
	ErrNotConfigured = errors.New("supervisor: no model configured")
	// ErrInvalidModel means a requested model name failed validation
	// against the registry.
	ErrInvalidModel = errors.New("supervisor: invalid model")
)

// DetectorFactory builds a detector adapter from a registry handle.
type DetectorFactory func(h registry.Handle, cfg adapter.Config) (adapter.Detector, error)

// SegmenterFactory builds a segmenter adapter from a registry handle.
type SegmenterFactory func(h registry.Handle, cfg adapter.Config) (adapter.Segmenter, error)

// JobHandle tracks one in-flight processing job.
type JobHandle struct {
	ID     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the job's goroutine finishes.
func (h *JobHandle) Done() <-chan struct{} { return h.done }

// pipeline binds the adapters behind one engine instance. The variant
// (detector-only vs detector+segmenter) is fixed at construction.
type pipeline struct {
	detectorName  string
	segmenterName string
	detector      adapter.Detector
	segmenter     adapter.Segmenter
	engine        *engine.Engine
}

func (p *pipeline) close(logger *zap.SugaredLogger) {
	if p.segmenter != nil {
		if err := p.segmenter.Close(); err != nil {
			logger.Warnw("closing segmenter", "model", p.segmenterName, "error", err)
		}
	}
	if err := p.detector.Close(); err != nil {
		logger.Warnw("closing detector", "model", p.detectorName, "error", err)
	}
}

// Supervisor holds zero or one active pipeline and dispatches jobs onto it.
type Supervisor struct {
	reg          *registry.Registry
	store        *settings.Store
	hub          *pubsub.Hub
	logger       *zap.SugaredLogger
	cfg          adapter.Config
	newDetector  DetectorFactory
	newSegmenter SegmenterFactory
	engineOpts   []engine.Option

	mu      sync.Mutex
	current *pipeline
	jobs    map[string]*JobHandle
}

// New builds a supervisor. The factories let callers choose the adapter
// backend; serving uses the ONNX adapters, tests inject fakes.
func New(
	reg *registry.Registry,
	store *settings.Store,
	hub *pubsub.Hub,
	cfg adapter.Config,
	newDetector DetectorFactory,
	newSegmenter SegmenterFactory,
	logger *zap.SugaredLogger,
	engineOpts ...engine.Option,
) *Supervisor {
	return &Supervisor{
		reg:          reg,
		store:        store,
		hub:          hub,
		logger:       logger,
		cfg:          cfg,
		newDetector:  newDetector,
		newSegmenter: newSegmenter,
		engineOpts:   engineOpts,
		jobs:         map[string]*JobHandle{},
	}
}

// SetModel validates the selection, fully tears down the current pipeline,
// persists the selection and builds the replacement. Validation happens
// first: an invalid name leaves the current pipeline untouched. Teardown
// strictly precedes construction so two models' worth of device memory are
// never resident together.
func (s *Supervisor) SetModel(detectorName, segmenterName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	detHandle, ok := s.reg.Get(detectorName)
	if !ok || detHandle.Kind != registry.KindDetector {
		return errors.Wrap(ErrInvalidModel, detectorName)
	}
	var segHandle registry.Handle
	if segmenterName != "" {
		segHandle, ok = s.reg.Get(segmenterName)
		if !ok || segHandle.Kind != registry.KindSegmenter {
			return errors.Wrap(ErrInvalidModel, segmenterName)
		}
	}

	s.teardownLocked()

	if err := s.buildLocked(detHandle, segHandle); err != nil {
		return err
	}
	if err := s.store.Save(settings.Settings{Detector: detectorName, Segmenter: segmenterName}); err != nil {
		return errors.Wrap(err, "persisting model selection")
	}
	s.logger.Infow("active model set", "detector", detectorName, "segmenter", segmenterName)
	return nil
}

// EnsureInitialized builds a pipeline from the persisted settings when none
// is active.
func (s *Supervisor) EnsureInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return nil
	}
	cfg, ok, err := s.store.Load()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConfigured
	}

	detHandle, found := s.reg.Get(cfg.Detector)
	if !found {
		return errors.Wrapf(ErrInvalidModel, "persisted detector %q", cfg.Detector)
	}
	var segHandle registry.Handle
	if cfg.Segmenter != "" {
		segHandle, found = s.reg.Get(cfg.Segmenter)
		if !found {
			return errors.Wrapf(ErrInvalidModel, "persisted segmenter %q", cfg.Segmenter)
		}
	}
	return s.buildLocked(detHandle, segHandle)
}

// Clear tears down the current pipeline, if any.
func (s *Supervisor) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

// Start dispatches one job onto the current pipeline's engine. The buffer
// has already been consumed from the job store; the job id names the result
// channel. Each job runs on its own goroutine so a stuck video cannot block
// other uploads.
func (s *Supervisor) Start(jobID string, data []byte, isImage bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNotConfigured
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &JobHandle{ID: jobID, cancel: cancel, done: make(chan struct{})}
	s.jobs[jobID] = handle
	eng := s.current.engine

	// Defers run LIFO: done closes before the registry delete, so a
	// teardown holding the lock while waiting on done cannot deadlock
	// against this goroutine.
	go func() {
		defer s.removeJob(jobID)
		defer close(handle.done)
		defer cancel()
		defer s.hub.CloseChannel(jobID)
		if err := eng.Process(ctx, data, isImage, jobID); err != nil {
			s.logger.Errorw("job failed", "job", jobID, "error", err)
		}
	}()

	s.logger.Infow("job dispatched", "job", jobID, "image", isImage)
	return nil
}

// Jobs returns the ids of in-flight jobs, sorted.
func (s *Supervisor) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) removeJob(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// teardownLocked cancels in-flight jobs, waits for them to finish, then
// releases the pipeline's adapters. Called with s.mu held.
func (s *Supervisor) teardownLocked() {
	if s.current == nil {
		return
	}

	waiting := make([]*JobHandle, 0, len(s.jobs))
	for _, h := range s.jobs {
		h.cancel()
		waiting = append(waiting, h)
	}
	for _, h := range waiting {
		<-h.done
		delete(s.jobs, h.ID)
	}

	s.current.close(s.logger)
	s.logger.Infow("pipeline released", "detector", s.current.detectorName)
	s.current = nil
}

// buildLocked constructs the replacement pipeline. Called with s.mu held
// and s.current nil.
func (s *Supervisor) buildLocked(detHandle, segHandle registry.Handle) error {
	detector, err := s.newDetector(detHandle, s.cfg)
	if err != nil {
		return errors.Wrapf(err, "loading detector %q", detHandle.Name)
	}

	var segmenter adapter.Segmenter
	if segHandle.Name != "" {
		segmenter, err = s.newSegmenter(segHandle, s.cfg)
		if err != nil {
			detector.Close()
			return errors.Wrapf(err, "loading segmenter %q", segHandle.Name)
		}
	}

	s.current = &pipeline{
		detectorName:  detHandle.Name,
		segmenterName: segHandle.Name,
		detector:      detector,
		segmenter:     segmenter,
		engine:        engine.New(detector, segmenter, s.hub, s.logger.Named("engine"), s.engineOpts...),
	}
	return nil
}
