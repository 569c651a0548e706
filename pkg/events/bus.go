package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caphub/caphub/pkg/config"
)

// listenTimeout bounds how long a LISTEN command may block when the first
// subscriber joins a channel. Without this, a stalled connection would
// block the subscribing caller indefinitely.
const listenTimeout = 10 * time.Second

// ChannelListener is the optional cross-replica bridge: LISTEN when a
// channel gains its first local subscriber, UNLISTEN when the last one
// leaves. Implemented by NotifyListener.
type ChannelListener interface {
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
}

// Bus is the in-process pub/sub fan-out. Each subscriber owns a bounded
// buffer; publishing never blocks on a slow subscriber — the overflow
// policy either evicts the subscriber's oldest buffered event or
// disconnects the subscriber.
type Bus struct {
	bufferSize int
	policy     config.OverflowPolicy

	// Channel subscriptions: channel → subscription id → subscription.
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription

	// ChannelListener for dynamic LISTEN/UNLISTEN (set after construction).
	listenerMu sync.RWMutex
	listener   ChannelListener

	dropped atomic.Int64
}

// NewBus creates a bus with the configured per-subscriber buffer size and
// overflow policy.
func NewBus(cfg *config.EventsConfig) *Bus {
	return &Bus{
		bufferSize: cfg.BufferSize,
		policy:     cfg.OverflowPolicy,
		subs:       make(map[string]map[string]*Subscription),
	}
}

// SetListener sets the cross-replica listener. Called once during startup
// after both the bus and the NotifyListener are created.
func (b *Bus) SetListener(l ChannelListener) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	b.listener = l
}

// Subscription is one subscriber's handle: a receive channel plus Close.
// The channel is closed when the subscriber is disconnected by the
// overflow policy, by a LISTEN failure, or by Close itself.
type Subscription struct {
	ID      string
	Channel string

	bus *Bus

	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

// Events returns the receive channel. It is closed when the subscription
// ends; a consumer that sees it closed should treat the stream as broken
// and re-subscribe (replaying from its last seen event id).
func (s *Subscription) Events() <-chan Envelope {
	return s.ch
}

// Close ends the subscription and releases its channel entry. Idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	s.bus.remove(s)
}

// deliver attempts a non-blocking send and applies the overflow policy on
// a full buffer. Returns disconnect=true when the policy terminated the
// subscription; evicted counts events dropped to make room.
func (s *Subscription) deliver(env Envelope, policy config.OverflowPolicy) (evicted int, disconnect bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false
	}

	select {
	case s.ch <- env:
		return 0, false
	default:
	}

	if policy == config.OverflowDropOldest {
		select {
		case <-s.ch:
			evicted++
		default:
		}
		select {
		case s.ch <- env:
		default:
			// Reader raced the eviction and the buffer refilled; the new
			// event is the one dropped.
			evicted++
		}
		return evicted, false
	}

	s.closed = true
	close(s.ch)
	return 0, true
}

// Subscribe registers a subscriber for a channel. The first subscriber
// triggers LISTEN synchronously so the caller's subsequent catchup query
// runs with LISTEN already active — events published between catchup and
// LISTEN would otherwise be lost.
//
// Returns an error if LISTEN fails so the caller can surface it instead
// of serving a stream that would never receive anything.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		bus:     b,
		ch:      make(chan Envelope, b.bufferSize),
	}

	b.mu.Lock()
	needsListen := false
	if _, exists := b.subs[channel]; !exists {
		b.subs[channel] = make(map[string]*Subscription)
		needsListen = true
	}
	b.subs[channel][sub.ID] = sub
	b.mu.Unlock()

	if needsListen {
		b.listenerMu.RLock()
		l := b.listener
		b.listenerMu.RUnlock()
		if l != nil {
			listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
			defer cancel()
			if err := l.Listen(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				b.cleanupFailedChannel(sub, channel)
				return nil, fmt.Errorf("listen on channel %s: %w", channel, err)
			}
		}
	}

	return sub, nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a
// LISTEN failure. Between registering the channel entry and Listen
// completing, other goroutines may have subscribed; they skipped LISTEN
// because the entry already existed, so their subscriptions are orphaned.
// Closing their channels tells their consumers to re-subscribe.
func (b *Bus) cleanupFailedChannel(triggering *Subscription, channel string) {
	b.mu.Lock()
	orphans := make([]*Subscription, 0, len(b.subs[channel]))
	for id, sub := range b.subs[channel] {
		if id != triggering.ID {
			orphans = append(orphans, sub)
		}
	}
	delete(b.subs, channel)
	b.mu.Unlock()

	for _, sub := range orphans {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"subscription_id", sub.ID, "channel", channel)
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// Publish fans an envelope out to every subscriber of its channel.
// Never blocks; a full subscriber buffer is handled by the overflow
// policy.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[env.Channel]))
	for _, sub := range b.subs[env.Channel] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		evicted, disconnect := sub.deliver(env, b.policy)
		if evicted > 0 {
			b.dropped.Add(int64(evicted))
			slog.Debug("Evicted buffered events for slow subscriber",
				"subscription_id", sub.ID, "channel", env.Channel, "evicted", evicted)
		}
		if disconnect {
			b.dropped.Add(1)
			slog.Warn("Disconnecting slow subscriber",
				"subscription_id", sub.ID, "channel", env.Channel)
			b.remove(sub)
		}
	}
}

// remove deletes a subscription from the channel map and stops LISTEN if
// it was the last subscriber.
func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	subs, exists := b.subs[s.Channel]
	if exists {
		delete(subs, s.ID)
		if len(subs) == 0 {
			delete(b.subs, s.Channel)
			// Last subscriber left — stop LISTEN. The goroutine re-checks
			// the channel map before issuing UNLISTEN so a rapid
			// unsubscribe/resubscribe cycle does not drop an active LISTEN.
			b.listenerMu.RLock()
			l := b.listener
			b.listenerMu.RUnlock()
			if l != nil {
				channel := s.Channel
				go func() {
					b.mu.RLock()
					_, resubscribed := b.subs[channel]
					b.mu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unlisten(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of subscribers for a channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// ActiveSubscribers returns the total subscriber count across channels.
func (b *Bus) ActiveSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}

// Dropped returns the cumulative count of events lost to overflow.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
