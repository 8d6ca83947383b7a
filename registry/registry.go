// Package registry discovers trained model artifacts on disk and exposes
// them by name for the rest of the service.
package registry

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind identifies what a model artifact can do.
type Kind string

const (
	KindDetector  Kind = "detector"
	KindSegmenter Kind = "segmenter"
)

const weightsDir = "weights"

// checkpoint files produced by a training run.
var runCheckpoints = []string{"best.onnx", "last.onnx"}

// Handle is an immutable reference to one discovered model artifact.
type Handle struct {
	Name string
	Path string
	Kind Kind
}

// Registry maps composite model names to artifact handles. Refresh rebuilds
// the mapping from the filesystem; it never accumulates stale entries.
type Registry struct {
	root   string
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	models map[string]Handle
}

func New(root string, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		root:   root,
		logger: logger,
		models: map[string]Handle{},
	}
}

// Refresh walks the model root and rebuilds the name mapping. Immediate
// subdirectories are either a model-type bucket ("detector" / "segmenter")
// holding .onnx files, or a training run holding a weights/ directory with
// the standard checkpoint files. Anything else is skipped. A missing root is
// an expected bootstrap state and yields an empty mapping without error.
func (r *Registry) Refresh() error {
	discovered := map[string]Handle{}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			r.swap(discovered)
			return nil
		}
		return errors.Wrapf(err, "registry: read model root %q", r.root)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		switch entry.Name() {
		case string(KindDetector):
			r.discoverBucket(discovered, entry.Name(), KindDetector)
		case string(KindSegmenter):
			r.discoverBucket(discovered, entry.Name(), KindSegmenter)
		default:
			r.discoverRun(discovered, entry.Name())
		}
	}

	r.swap(discovered)
	r.logger.Infow("model registry refreshed", "root", r.root, "models", len(discovered))
	return nil
}

func (r *Registry) discoverBucket(out map[string]Handle, bucket string, kind Kind) {
	files, err := os.ReadDir(filepath.Join(r.root, bucket))
	if err != nil {
		r.logger.Debugw("skipping unreadable bucket", "bucket", bucket, "error", err)
		return
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".onnx") {
			continue
		}
		name := bucket + "/" + f.Name()
		out[name] = Handle{
			Name: name,
			Path: filepath.Join(r.root, bucket, f.Name()),
			Kind: kind,
		}
	}
}

// discoverRun registers the checkpoint artifacts of one training run. The
// composite name disambiguates run and checkpoint ("run12/best.onnx").
func (r *Registry) discoverRun(out map[string]Handle, run string) {
	weights := filepath.Join(r.root, run, weightsDir)
	info, err := os.Stat(weights)
	if err != nil || !info.IsDir() {
		return
	}
	for _, ckpt := range runCheckpoints {
		path := filepath.Join(weights, ckpt)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		name := run + "/" + ckpt
		out[name] = Handle{Name: name, Path: path, Kind: KindDetector}
	}
}

func (r *Registry) swap(models map[string]Handle) {
	r.mu.Lock()
	r.models = models
	r.mu.Unlock()
}

// Get looks up a handle by composite name.
func (r *Registry) Get(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.models[name]
	return h, ok
}

// Names returns all registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesByKind returns the sorted names of models with the given kind.
func (r *Registry) NamesByKind(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name, h := range r.models {
		if h.Kind == kind {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
