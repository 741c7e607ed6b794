package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/worker"
)

// Static is an in-memory directory. Capabilities and worker
// implementations are registered in code.
type Static struct {
	mu      sync.RWMutex
	caps    Snapshot
	workers map[string]worker.Worker
	links   map[string]map[string]bool
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{
		caps:    make(Snapshot),
		workers: make(map[string]worker.Worker),
		links:   make(map[string]map[string]bool),
	}
}

// Add registers a capability and, when w is non-nil, its implementation.
func (d *Static) Add(c model.AgentCapability, w worker.Worker) *Static {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[c.WorkerID] = c
	if w != nil {
		d.workers[c.WorkerID] = w
	}
	return d
}

// SetAvailability changes the availability of a registered worker.
func (d *Static) SetAvailability(workerID string, a model.Availability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.caps[workerID]; ok {
		c.Availability = a
		d.caps[workerID] = c
	}
}

// Link allows fromID to communicate with toID.
func (d *Static) Link(fromID, toID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.links[fromID] == nil {
		d.links[fromID] = make(map[string]bool)
	}
	d.links[fromID][toID] = true
}

func (d *Static) ListCapabilities(ctx context.Context) (Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps.Clone(), nil
}

func (d *Static) ResolveWorker(ctx context.Context, workerID, contextID string) (worker.Worker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.caps[workerID]; !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidWorkerReference, workerID)
	}
	w, ok := d.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("worker %s has no implementation", workerID)
	}
	return w, nil
}

func (d *Static) CanCommunicate(fromID, toID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.links[fromID][toID]
}
