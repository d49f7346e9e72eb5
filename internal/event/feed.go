// Package event provides the append-only audit trail consumed by external
// indexers and the WebSocket hub. Events are not required for correctness,
// only for visibility, so fan-out never blocks the trading path.
package event

import (
	"sync"
	"time"

	"github.com/hivetrade/shares-engine/internal/model"
)

// Type tags an audit event.
type Type string

const (
	TypeTradeExecuted         Type = "trade_executed"
	TypeHolderTradeRegistered Type = "holder_trade_registered"
	TypeFeeReceived           Type = "fee_received"
	TypeRewardClaimed         Type = "reward_claimed"
	TypeInstanceRegistered    Type = "instance_registered"
	TypeNonceConsumed         Type = "nonce_consumed"
	TypeFeeConfigUpdated      Type = "fee_config_updated"
)

// Event is one audit record. Fields carry event-specific values keyed by
// short snake_case names; monetary values are decimal strings.
type Event struct {
	Type     Type              `json:"type"`
	Instance model.Address     `json:"instance,omitempty"`
	At       time.Time         `json:"at"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Feed is an in-process append-only event log with subscriber fan-out.
type Feed struct {
	mu   sync.RWMutex
	log  []Event
	subs []chan Event
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{}
}

// Publish appends the event and fans it out. Slow subscribers are skipped
// rather than blocking the publisher.
func (f *Feed) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	f.mu.Lock()
	f.log = append(f.log, e)
	subs := make([]chan Event, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if buffer full to avoid blocking trade execution.
		}
	}
}

// Subscribe registers a buffered channel receiving future events.
func (f *Feed) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

// Events returns a copy of the log.
func (f *Feed) Events() []Event {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Event, len(f.log))
	copy(out, f.log)
	return out
}

// CountByType returns how many events of the given type have been published.
func (f *Feed) CountByType(t Type) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, e := range f.log {
		if e.Type == t {
			n++
		}
	}
	return n
}
