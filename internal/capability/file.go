package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/worker"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// WorkerSpec is one worker entry of a capability file.
type WorkerSpec struct {
	ID               string   `yaml:"id"`
	Role             string   `yaml:"role"`
	Skills           []string `yaml:"skills"`
	Availability     string   `yaml:"availability"`
	FallbackStrategy string   `yaml:"fallback_strategy"`
	Command          []string `yaml:"command,omitempty"`
	Env              []string `yaml:"env,omitempty"`
	Timeout          string   `yaml:"timeout,omitempty"`
	CommunicatesWith []string `yaml:"communicates_with,omitempty"`
}

// FileFormat is the YAML document a capability file holds.
type FileFormat struct {
	Workers []WorkerSpec `yaml:"workers"`
}

// ParseFile decodes and validates a capability document.
func ParseFile(data []byte) ([]WorkerSpec, error) {
	var doc FileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse capability file: %w", err)
	}

	seen := make(map[string]bool, len(doc.Workers))
	for i, w := range doc.Workers {
		if w.ID == "" {
			return nil, fmt.Errorf("worker %d has no id", i)
		}
		if seen[w.ID] {
			return nil, fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
		if w.Availability == "" {
			doc.Workers[i].Availability = string(model.AvailabilityAvailable)
		}
		switch model.Availability(doc.Workers[i].Availability) {
		case model.AvailabilityAvailable, model.AvailabilityBusy, model.AvailabilityOffline, model.AvailabilityNotImplemented:
		default:
			return nil, fmt.Errorf("worker %q: unknown availability %q", w.ID, w.Availability)
		}
		if w.FallbackStrategy != "" && !model.FallbackStrategy(w.FallbackStrategy).Valid() {
			return nil, fmt.Errorf("worker %q: unknown fallback strategy %q", w.ID, w.FallbackStrategy)
		}
		if w.Timeout != "" {
			if _, err := time.ParseDuration(w.Timeout); err != nil {
				return nil, fmt.Errorf("worker %q: bad timeout: %w", w.ID, err)
			}
		}
	}
	return doc.Workers, nil
}

// FileConfig configures a FileDirectory.
type FileConfig struct {
	Path string
	// DefaultStrategy applies to workers that declare none.
	DefaultStrategy model.FallbackStrategy
	// Builtins are in-process implementations keyed by worker id. They take
	// precedence over a declared command.
	Builtins       map[string]worker.Worker
	ProcessManager *worker.ProcessManager
	Debounce       time.Duration
	Logger         *slog.Logger
}

// FileDirectory is a directory loaded from a YAML file. Watch keeps it in
// sync with the file additively: new workers appear and existing entries
// are updated, but workers removed from the file stay until restart.
type FileDirectory struct {
	cfg    FileConfig
	logger *slog.Logger

	mu    sync.RWMutex
	specs map[string]WorkerSpec
	caps  Snapshot
}

// LoadFile reads the capability file at cfg.Path.
func LoadFile(cfg FileConfig) (*FileDirectory, error) {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = model.FallbackUserInput
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &FileDirectory{
		cfg:    cfg,
		logger: logger,
		specs:  make(map[string]WorkerSpec),
		caps:   make(Snapshot),
	}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload rereads the file and merges it in. It returns the ids of workers
// that were not known before.
func (d *FileDirectory) Reload() ([]string, error) {
	data, err := os.ReadFile(d.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read capability file: %w", err)
	}
	specs, err := ParseFile(data)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var added []string
	for _, s := range specs {
		if _, known := d.specs[s.ID]; !known {
			added = append(added, s.ID)
		}
		d.specs[s.ID] = s
		strategy := model.FallbackStrategy(s.FallbackStrategy)
		if strategy == "" {
			strategy = d.cfg.DefaultStrategy
		}
		d.caps[s.ID] = model.AgentCapability{
			WorkerID:         s.ID,
			Role:             s.Role,
			Skills:           append([]string(nil), s.Skills...),
			Availability:     model.Availability(s.Availability),
			FallbackStrategy: strategy,
		}
	}
	return added, nil
}

func (d *FileDirectory) ListCapabilities(ctx context.Context) (Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps.Clone(), nil
}

func (d *FileDirectory) ResolveWorker(ctx context.Context, workerID, contextID string) (worker.Worker, error) {
	d.mu.RLock()
	spec, ok := d.specs[workerID]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidWorkerReference, workerID)
	}

	if w, ok := d.cfg.Builtins[workerID]; ok {
		return w, nil
	}
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("worker %s declares no command and has no built-in implementation", workerID)
	}

	var timeout time.Duration
	if spec.Timeout != "" {
		timeout, _ = time.ParseDuration(spec.Timeout)
	}
	return worker.NewCommand(worker.CommandConfig{
		ID:      spec.ID,
		Skills:  spec.Skills,
		Command: spec.Command,
		Env:     spec.Env,
		WorkDir: filepath.Dir(d.cfg.Path),
		Timeout: timeout,
	}, d.cfg.ProcessManager)
}

func (d *FileDirectory) CanCommunicate(fromID, toID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range d.specs[fromID].CommunicatesWith {
		if id == toID {
			return true
		}
	}
	return false
}

// Watch reloads the directory whenever the file changes, until ctx is done.
// onAdd, when non-nil, receives the ids of newly discovered workers.
func (d *FileDirectory) Watch(ctx context.Context, onAdd func(ids []string)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := fsw.Add(filepath.Dir(d.cfg.Path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(d.cfg.Path), err)
	}

	go d.processEvents(ctx, fsw, onAdd)
	d.logger.Info("capability watcher started", "path", d.cfg.Path, "debounce", d.cfg.Debounce)
	return nil
}

func (d *FileDirectory) processEvents(ctx context.Context, fsw *fsnotify.Watcher, onAdd func([]string)) {
	defer fsw.Close()

	target := filepath.Clean(d.cfg.Path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.cfg.Debounce)
			} else {
				timer.Reset(d.cfg.Debounce)
			}
			fire = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			d.logger.Error("capability watcher error", "error", err)

		case <-fire:
			fire = nil
			added, err := d.Reload()
			if err != nil {
				d.logger.Warn("capability reload failed, keeping previous directory", "path", d.cfg.Path, "error", err)
				continue
			}
			d.logger.Info("capability directory reloaded", "path", d.cfg.Path, "added", added)
			if len(added) > 0 && onAdd != nil {
				onAdd(added)
			}
		}
	}
}
