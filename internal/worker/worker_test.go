package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	calls atomic.Int32
	delay time.Duration
	fail  bool
}

func (r *countingResolver) ResolveWorker(ctx context.Context, workerID, contextID string) (Worker, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	if r.fail {
		return nil, errors.New("no such worker")
	}
	return &Func{WorkerID: workerID}, nil
}

func TestRegistry_LazyResolveIsShared(t *testing.T) {
	res := &countingResolver{delay: 50 * time.Millisecond}
	reg := NewRegistry(res)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := reg.Get(context.Background(), "crm", "ctx")
			assert.NoError(t, err)
			assert.Equal(t, "crm", w.ID())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, 1, reg.Len())

	// Cached now.
	_, err := reg.Get(context.Background(), "crm", "other")
	require.NoError(t, err)
	assert.Equal(t, int32(1), res.calls.Load())
}

func TestRegistry_ResolveFailureIsNotCached(t *testing.T) {
	res := &countingResolver{fail: true}
	reg := NewRegistry(res)

	_, err := reg.Get(context.Background(), "ghost", "ctx")
	require.Error(t, err)
	_, err = reg.Get(context.Background(), "ghost", "ctx")
	require.Error(t, err)

	assert.Equal(t, int32(2), res.calls.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_NoResolver(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(&Func{WorkerID: "local"})

	_, err := reg.Get(context.Background(), "local", "")
	require.NoError(t, err)
	_, err = reg.Get(context.Background(), "remote", "")
	require.Error(t, err)
}

type sliceOutbox struct {
	mu   sync.Mutex
	reqs []model.UIRequest
}

func (o *sliceOutbox) Post(_ context.Context, req model.UIRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reqs = append(o.reqs, req)
	return nil
}

func TestCommand_DispatchRoundTrip(t *testing.T) {
	// The script echoes the subtask id it received back as data.
	script := `read -r input; id=$(printf '%s' "$input" | sed -n 's/.*"subtaskId":"\([^"]*\)".*/\1/p'); ` +
		`printf '{"status":"completed","data":{"seen":"%s"},"reasoning":"ok","helpRequests":[{"id":"h1","title":"Need VAT id"}]}' "$id"`
	w, err := NewCommand(CommandConfig{ID: "crm", Skills: []string{"crm"}, Command: []string{"sh", "-c", script}}, NewProcessManager())
	require.NoError(t, err)

	outbox := &sliceOutbox{}
	res, err := w.Dispatch(context.Background(), Instruction{ContextID: "ctx", SubtaskID: "collect-1", Text: "look up customer", Outbox: outbox})
	require.NoError(t, err)

	assert.Equal(t, model.SubtaskCompletedStatus, res.Status)
	assert.Equal(t, "collect-1", res.Data["seen"])
	assert.Equal(t, "ok", res.Reasoning)
	require.Len(t, outbox.reqs, 1)
	assert.Equal(t, "h1", outbox.reqs[0].ID)
}

func TestCommand_DefaultsStatusToCompleted(t *testing.T) {
	w, err := NewCommand(CommandConfig{ID: "w", Command: []string{"sh", "-c", `cat >/dev/null; echo '{"data":{"x":1}}'`}}, nil)
	require.NoError(t, err)

	res, err := w.Dispatch(context.Background(), Instruction{})
	require.NoError(t, err)
	assert.Equal(t, model.SubtaskCompletedStatus, res.Status)
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"exit code", `cat >/dev/null; exit 2`},
		{"no output", `cat >/dev/null`},
		{"malformed", `cat >/dev/null; echo not-json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewCommand(CommandConfig{ID: "w", Command: []string{"sh", "-c", tt.script}}, nil)
			require.NoError(t, err)
			_, err = w.Dispatch(context.Background(), Instruction{})
			assert.Error(t, err)
		})
	}
}

func TestCommand_Timeout(t *testing.T) {
	w, err := NewCommand(CommandConfig{ID: "slow", Command: []string{"sh", "-c", "sleep 30"}, Timeout: 100 * time.Millisecond}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = w.Dispatch(context.Background(), Instruction{})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewCommand_Validation(t *testing.T) {
	_, err := NewCommand(CommandConfig{Command: []string{"true"}}, nil)
	assert.Error(t, err)
	_, err = NewCommand(CommandConfig{ID: "x"}, nil)
	assert.Error(t, err)
}
