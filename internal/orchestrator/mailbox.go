package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/taskflow/internal/model"
	"github.com/aristath/taskflow/internal/worker"
)

// ErrMailboxFull is returned when a worker posts more help requests than
// the mailbox holds before the orchestrator drains it.
var ErrMailboxFull = errors.New("help mailbox is full")

// ErrMailboxClosed is returned for posts after the task's run ended.
var ErrMailboxClosed = errors.New("help mailbox is closed")

// Mailbox is the bounded, one-directional channel a worker uses to ask the
// user for help while it runs. The orchestrator owns it and drains it after
// each phase; workers never call back into the orchestrator.
type Mailbox struct {
	contextID string
	ch        chan model.UIRequest

	mu     sync.RWMutex
	closed bool
}

var _ worker.Outbox = (*Mailbox)(nil)

// NewMailbox creates a mailbox for one task. size should cover the help
// requests a single phase can produce.
func NewMailbox(contextID string, size int) *Mailbox {
	if size <= 0 {
		size = 32
	}
	return &Mailbox{
		contextID: contextID,
		ch:        make(chan model.UIRequest, size),
	}
}

// Post enqueues a help request without blocking.
func (m *Mailbox) Post(ctx context.Context, req model.UIRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMailboxClosed
	}

	req.ContextID = m.contextID
	if req.Type == "" {
		req.Type = model.RequestForm
	}
	select {
	case m.ch <- req:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Drain returns every queued request in posting order.
func (m *Mailbox) Drain() []model.UIRequest {
	var out []model.UIRequest
	for {
		select {
		case req := <-m.ch:
			out = append(out, req)
		default:
			return out
		}
	}
}

// Close rejects further posts. Queued requests can still be drained.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
