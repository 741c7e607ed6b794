// Package presentation is the push channel to whatever renders requests for
// the user. Subscribers receive request batches and actionable status
// changes per task; answers are routed back to the orchestrator.
package presentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/disclosure"
	"github.com/aristath/taskflow/internal/model"
)

// Kind tells a subscriber what a message carries.
type Kind string

const (
	KindRequests Kind = "requests"
	KindStatus   Kind = "status"
)

// AllTasks subscribes to every task.
const AllTasks = "*"

// Message is one push to the presentation layer.
type Message struct {
	Kind      Kind              `json:"kind"`
	ContextID string            `json:"contextId"`
	BatchID   string            `json:"batchId,omitempty"`
	Requests  []model.UIRequest `json:"requests,omitempty"`
	Status    model.TaskStatus  `json:"status,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Responder accepts the user's answers. The orchestrator implements it.
type Responder interface {
	SubmitUserResponse(ctx context.Context, contextID, requestID string, data map[string]any) error
}

// ErrNoResponder is returned by Respond before a responder is attached.
var ErrNoResponder = errors.New("no responder attached")

// Config configures a Hub.
type Config struct {
	// Buffer is the channel size of each subscription (default 16).
	Buffer int
	Logger *slog.Logger
	Now    func() time.Time
}

// Hub fans messages out to per-task subscribers. For a task without
// subscribers the latest message of each kind is kept and replayed to the
// next subscriber of that task.
type Hub struct {
	buffer int
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	subs      map[string]map[chan Message]struct{}
	latest    map[string]map[Kind]Message
	responder Responder
	closed    bool
}

var _ disclosure.Sink = (*Hub)(nil)

// NewHub creates a Hub.
func NewHub(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		buffer: cfg.Buffer,
		logger: logger,
		now:    now,
		subs:   make(map[string]map[chan Message]struct{}),
		latest: make(map[string]map[Kind]Message),
	}
}

// SetResponder attaches the component that receives user answers.
func (h *Hub) SetResponder(r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = r
}

// Deliver pushes a request batch to the task's subscribers.
func (h *Hub) Deliver(_ context.Context, b disclosure.Batch) error {
	h.publish(Message{
		Kind:      KindRequests,
		ContextID: b.ContextID,
		BatchID:   b.ID,
		Requests:  b.Requests,
		Timestamp: h.now().UTC(),
	})
	return nil
}

// NotifyStatus pushes a status change. Only actionable or terminal-failure
// statuses reach the user; internal churn is not shown. A completed task has
// nothing left to show, so its retained messages are dropped.
func (h *Hub) NotifyStatus(contextID string, status model.TaskStatus, reason string) {
	if status == model.StatusCompleted {
		h.Forget(contextID)
		return
	}
	if status != model.StatusWaitingForInput && status != model.StatusFailed {
		return
	}
	h.publish(Message{
		Kind:      KindStatus,
		ContextID: contextID,
		Status:    status,
		Reason:    reason,
		Timestamp: h.now().UTC(),
	})
}

// Subscribe returns a channel of messages for one task, or for every task
// with AllTasks, and a function that ends the subscription.
func (h *Hub) Subscribe(contextID string) (<-chan Message, func()) {
	ch := make(chan Message, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.subs[contextID] == nil {
		h.subs[contextID] = make(map[chan Message]struct{})
	}
	h.subs[contextID][ch] = struct{}{}
	if contextID == AllTasks {
		for id := range h.latest {
			h.replay(ch, id)
		}
	} else {
		h.replay(ch, contextID)
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[contextID][ch]; ok {
				delete(h.subs[contextID], ch)
				if len(h.subs[contextID]) == 0 {
					delete(h.subs, contextID)
				}
				close(ch)
			}
		})
	}
}

// Respond routes a user's answer to the responder.
func (h *Hub) Respond(ctx context.Context, contextID, requestID string, data map[string]any) error {
	h.mu.RLock()
	r := h.responder
	h.mu.RUnlock()
	if r == nil {
		return ErrNoResponder
	}
	if err := r.SubmitUserResponse(ctx, contextID, requestID, data); err != nil {
		return fmt.Errorf("respond to %s: %w", requestID, err)
	}
	return nil
}

// Forget drops the retained messages of a task.
func (h *Hub) Forget(contextID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, contextID)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	delivered := false
	for ch := range h.subs[msg.ContextID] {
		delivered = h.offer(ch, msg) || delivered
	}
	for ch := range h.subs[AllTasks] {
		delivered = h.offer(ch, msg) || delivered
	}
	if !delivered {
		if h.latest[msg.ContextID] == nil {
			h.latest[msg.ContextID] = make(map[Kind]Message)
		}
		h.latest[msg.ContextID][msg.Kind] = msg
	}
}

// replay hands the retained messages of a task to a new subscriber,
// requests before status. Caller holds h.mu.
func (h *Hub) replay(ch chan Message, contextID string) {
	kept := h.latest[contextID]
	for _, kind := range []Kind{KindRequests, KindStatus} {
		if msg, ok := kept[kind]; ok {
			h.offer(ch, msg)
		}
	}
	delete(h.latest, contextID)
}

// offer sends without blocking. Caller holds h.mu.
func (h *Hub) offer(ch chan Message, msg Message) bool {
	select {
	case ch <- msg:
		return true
	default:
		h.logger.Warn("presentation subscriber is full, dropping message", "task", msg.ContextID, "kind", msg.Kind)
		return false
	}
}
