// ABOUTME: In-memory fan-out event broadcaster keyed by agent name
// ABOUTME: Agents subscribe to their own events; dashboards subscribe to everything

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// All subscribes to events for every agent.
	All = ""
)

// Broadcaster provides in-memory pub/sub for lifecycle events. Publishing
// never blocks; events are dropped for subscribers that fall behind.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // agent name (or All) -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events about agentName, or every event when
// agentName is All. The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentName string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentName]; !ok {
		b.subscribers[agentName] = make(map[string]chan Event)
	}
	b.subscribers[agentName][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent", agentName, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentName, subID)
	}()

	return ch, subID
}

// Publish delivers an event to subscribers of its agent and to All subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	var targets []chan Event
	for _, key := range []string{ev.Agent, All} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
		if ev.Agent == All {
			break
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "agent", ev.Agent, "type", ev.Type)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentName, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentName]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, agentName)
	}

	b.logger.Debug("subscriber removed", "agent", agentName, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
