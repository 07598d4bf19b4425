// Package events fans gateway events out to live subscribers. The broker
// backs the admin event stream; durable history lives in the audit log.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/scriptgate/scriptgate/pkg/types"
)

// AllSessions subscribes to every event regardless of session.
const AllSessions = ""

type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // sessionID -> subscribers
	dropped atomic.Int64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan types.Event]struct{})}
}

func (b *Broker) Subscribe(sessionID string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sessionID]; !ok {
		b.subs[sessionID] = make(map[chan types.Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(sessionID string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sessionID]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, sessionID)
		}
	}
	close(ch)
}

// Publish delivers ev to session-scoped subscribers and to the firehose.
// Slow subscribers drop events rather than block the publisher.
func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliverLocked(b.subs[ev.SessionID], ev)
	if ev.SessionID != AllSessions {
		b.deliverLocked(b.subs[AllSessions], ev)
	}
}

func (b *Broker) deliverLocked(m map[chan types.Event]struct{}, ev types.Event) {
	for ch := range m {
		select {
		case ch <- ev:
		default:
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				slog.Warn("events: dropped event", "session", ev.SessionID, "type", ev.Type, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
