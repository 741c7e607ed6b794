package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSBridgeConfig configures a NATSBridge.
type NATSBridgeConfig struct {
	// Prefix is prepended to every subject: "<prefix>.<operation>".
	Prefix string
	// Inbound lists the operations accepted from other processes and
	// republished on the local bus.
	Inbound []string
	Logger  *slog.Logger
}

// NATSBridge mirrors local notifications onto NATS and feeds remote ones
// back into the local bus. Messages carry the bridge's origin id so a
// process never re-imports its own notifications.
type NATSBridge struct {
	conn    Conn
	bus     *EventBus
	prefix  string
	origin  string
	inbound []string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
	done chan struct{}
	wg   sync.WaitGroup
}

// NewNATSBridge creates a bridge between bus and conn.
func NewNATSBridge(conn Conn, bus *EventBus, cfg NATSBridgeConfig) *NATSBridge {
	prefix := strings.TrimSuffix(cfg.Prefix, ".")
	if prefix == "" {
		prefix = "taskflow"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inbound := cfg.Inbound
	if inbound == nil {
		inbound = []string{TopicTaskCreated}
	}
	return &NATSBridge{
		conn:    conn,
		bus:     bus,
		prefix:  prefix,
		origin:  uuid.NewString(),
		inbound: inbound,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Subject returns the NATS subject of an operation.
func (b *NATSBridge) Subject(operation string) string {
	return b.prefix + "." + operation
}

// Start subscribes to the inbound subjects and forwards every local
// notification to NATS until ctx is done or Stop is called.
func (b *NATSBridge) Start(ctx context.Context) error {
	for _, op := range b.inbound {
		sub, err := b.conn.Subscribe(b.Subject(op), b.handle)
		if err != nil {
			b.Stop()
			return fmt.Errorf("subscribe %s: %w", b.Subject(op), err)
		}
		b.mu.Lock()
		b.subs = append(b.subs, sub)
		b.mu.Unlock()
	}

	local := b.bus.SubscribeAll(0)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.bus.Unsubscribe(local)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case ev, ok := <-local:
				if !ok {
					return
				}
				if err := b.forward(ctx, ev); err != nil {
					b.logger.Warn("nats forward failed", "event", ev.EventType(), "task", ev.TaskID(), "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *NATSBridge) forward(ctx context.Context, ev Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	n, ok := ev.(Notification)
	if !ok {
		return nil
	}
	// Imported notifications are not echoed back.
	if n.Origin != "" && n.Origin != b.origin {
		return nil
	}
	n.Origin = b.origin
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return b.conn.Publish(b.Subject(n.Type), data)
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var n Notification
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		b.logger.Warn("dropping malformed nats notification", "subject", msg.Subject, "error", err)
		return
	}
	if n.Origin == b.origin {
		return
	}
	if n.Origin == "" {
		n.Origin = "remote"
	}
	b.bus.Publish(n)
}

// Stop unsubscribes from NATS and stops forwarding. Safe to call more than once.
func (b *NATSBridge) Stop() {
	b.mu.Lock()
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("nats unsubscribe", "subject", sub.Subject, "error", err)
		}
	}
	b.wg.Wait()
}
