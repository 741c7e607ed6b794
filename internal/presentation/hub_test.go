package presentation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/disclosure"
	"github.com/aristath/taskflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batch(contextID string, ids ...string) disclosure.Batch {
	b := disclosure.Batch{ID: "batch-" + contextID, ContextID: contextID}
	for _, id := range ids {
		b.Requests = append(b.Requests, model.UIRequest{ID: id, ContextID: contextID})
	}
	return b
}

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return Message{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	default:
	}
}

func TestDeliverToSubscriber(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	ch, cancel := h.Subscribe("task-1")
	defer cancel()
	other, cancelOther := h.Subscribe("task-2")
	defer cancelOther()

	require.NoError(t, h.Deliver(context.Background(), batch("task-1", "a", "b")))

	msg := receive(t, ch)
	assert.Equal(t, KindRequests, msg.Kind)
	assert.Equal(t, "batch-task-1", msg.BatchID)
	assert.Len(t, msg.Requests, 2)
	assertEmpty(t, other)
}

func TestLateSubscriberGetsRetainedMessages(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	require.NoError(t, h.Deliver(context.Background(), batch("task-1", "a")))
	require.NoError(t, h.Deliver(context.Background(), batch("task-1", "b")))
	h.NotifyStatus("task-1", model.StatusWaitingForInput, "")

	ch, cancel := h.Subscribe("task-1")
	defer cancel()

	first := receive(t, ch)
	assert.Equal(t, KindRequests, first.Kind)
	assert.Equal(t, "b", first.Requests[0].ID, "only the latest batch is retained")
	second := receive(t, ch)
	assert.Equal(t, KindStatus, second.Kind)
	assertEmpty(t, ch)

	again, cancelAgain := h.Subscribe("task-1")
	defer cancelAgain()
	assertEmpty(t, again)
}

func TestNotifyStatusFiltersInternalStatuses(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()
	ch, cancel := h.Subscribe(AllTasks)
	defer cancel()

	h.NotifyStatus("task-1", model.StatusInProgress, "")
	h.NotifyStatus("task-1", model.StatusCompleted, "")
	assertEmpty(t, ch)

	h.NotifyStatus("task-1", model.StatusFailed, "phase sign failed")
	msg := receive(t, ch)
	assert.Equal(t, model.StatusFailed, msg.Status)
	assert.Equal(t, "phase sign failed", msg.Reason)
}

func TestCompletedTaskDropsRetainedMessages(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	require.NoError(t, h.Deliver(context.Background(), batch("task-1", "a")))
	h.NotifyStatus("task-1", model.StatusCompleted, "")

	ch, cancel := h.Subscribe("task-1")
	defer cancel()
	assertEmpty(t, ch)
}

func TestAllTasksSubscriber(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	require.NoError(t, h.Deliver(context.Background(), batch("task-1", "a")))
	all, cancel := h.Subscribe(AllTasks)
	defer cancel()

	assert.Equal(t, "task-1", receive(t, all).ContextID)
	require.NoError(t, h.Deliver(context.Background(), batch("task-2", "b")))
	assert.Equal(t, "task-2", receive(t, all).ContextID)
}

func TestUnsubscribeAndClose(t *testing.T) {
	h := NewHub(Config{})
	ch, cancel := h.Subscribe("task-1")
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	open, _ := h.Subscribe("task-1")
	h.Close()
	_, ok = <-open
	assert.False(t, ok)

	closed, _ := h.Subscribe("task-1")
	_, ok = <-closed
	assert.False(t, ok)
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(Config{Buffer: 1})
	defer h.Close()
	ch, cancel := h.Subscribe("task-1")
	defer cancel()

	for range 5 {
		require.NoError(t, h.Deliver(context.Background(), batch("task-1", "a")))
	}
	receive(t, ch)
	assertEmpty(t, ch)
}

type fakeResponder struct {
	contextID, requestID string
	data                 map[string]any
	err                  error
}

func (r *fakeResponder) SubmitUserResponse(_ context.Context, contextID, requestID string, data map[string]any) error {
	r.contextID, r.requestID, r.data = contextID, requestID, data
	return r.err
}

func TestRespond(t *testing.T) {
	h := NewHub(Config{})
	defer h.Close()

	err := h.Respond(context.Background(), "task-1", "req-1", nil)
	assert.ErrorIs(t, err, ErrNoResponder)

	r := &fakeResponder{}
	h.SetResponder(r)
	require.NoError(t, h.Respond(context.Background(), "task-1", "req-1", map[string]any{"iban": "DE00"}))
	assert.Equal(t, "task-1", r.contextID)
	assert.Equal(t, "req-1", r.requestID)
	assert.Equal(t, "DE00", r.data["iban"])

	r.err = model.ErrUnknownRequest
	err = h.Respond(context.Background(), "task-1", "req-2", nil)
	assert.True(t, errors.Is(err, model.ErrUnknownRequest))
}
