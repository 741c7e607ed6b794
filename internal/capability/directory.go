// Package capability is the catalog of workers: what each can do, whether it
// is available and what to do when it is not.
package capability

import (
	"context"
	"sort"
	"strings"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/worker"
)

// Directory resolves worker identifiers to capabilities and handles.
type Directory interface {
	ListCapabilities(ctx context.Context) (Snapshot, error)
	ResolveWorker(ctx context.Context, workerID, contextID string) (worker.Worker, error)
	CanCommunicate(fromID, toID string) bool
}

// Snapshot is an immutable view of the directory at one point in time.
type Snapshot map[string]model.AgentCapability

// IDs returns the worker ids in sorted order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Has reports whether workerID is in the snapshot.
func (s Snapshot) Has(workerID string) bool {
	_, ok := s[workerID]
	return ok
}

// FirstAvailable returns the first available worker by sorted id.
func (s Snapshot) FirstAvailable() (model.AgentCapability, bool) {
	for _, id := range s.IDs() {
		if c := s[id]; c.Available() {
			return c, true
		}
	}
	return model.AgentCapability{}, false
}

// FirstAvailableWithSkills returns the first available worker, by sorted id,
// sharing at least one skill with skills. Workers in exclude are skipped.
func (s Snapshot) FirstAvailableWithSkills(skills []string, exclude ...string) (model.AgentCapability, []string, bool) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for _, id := range s.IDs() {
		c := s[id]
		if skip[id] || !c.Available() {
			continue
		}
		if shared := c.SharedSkills(skills); len(shared) > 0 {
			return c, shared, true
		}
	}
	return model.AgentCapability{}, nil, false
}

// Clone returns a copy that can be mutated independently.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for id, c := range s {
		c.Skills = append([]string(nil), c.Skills...)
		out[id] = c
	}
	return out
}

// Describe renders the snapshot as one line per worker, sorted by id.
func (s Snapshot) Describe() string {
	var b strings.Builder
	for _, id := range s.IDs() {
		c := s[id]
		b.WriteString("- ")
		b.WriteString(id)
		b.WriteString(" (")
		b.WriteString(c.Role)
		b.WriteString("): skills=[")
		b.WriteString(strings.Join(c.Skills, ", "))
		b.WriteString("] availability=")
		b.WriteString(string(c.Availability))
		b.WriteString("\n")
	}
	return b.String()
}
