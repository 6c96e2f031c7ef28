// Package bus is the process-wide publish/subscribe channel for sync
// lifecycle notifications, plus the request/response exchange used to ask
// a subscriber (normally a UI layer) whether stale local data may be
// cleared.
package bus

import (
	"context"
	"sync"
	"time"
)

// Topic names a notification channel.
type Topic string

const (
	TopicSyncStart     Topic = "sync:start"
	TopicSyncFinished  Topic = "sync:finished"
	TopicSyncError     Topic = "sync:error"
	TopicSyncCleared   Topic = "sync:cleared"
	TopicDataRefreshed Topic = "data:refreshed"
	TopicConfirmClear  Topic = "confirm:clear-local-data"
)

// Event is a single notification. Which fields are populated depends on
// the topic: Err for sync:error, Pending/Succeeded/Failed for the drain
// summary on sync:finished, Prompt for confirm:clear-local-data.
type Event struct {
	Topic     Topic
	Err       error
	Pending   int
	Succeeded int
	Failed    int
	Prompt    *ClearPrompt
}

// ClearDecision is a subscriber's answer to a clear-local-data prompt.
type ClearDecision string

const (
	// DecisionClear discards the local cache for all entities, then
	// continues the sync run.
	DecisionClear ClearDecision = "clear"

	// DecisionSync flushes the mutation queue first, then clears and
	// continues.
	DecisionSync ClearDecision = "sync"

	// DecisionCancel aborts the sync run and leaves the cache untouched.
	DecisionCancel ClearDecision = "cancel"
)

// ClearPrompt asks subscribers what to do with local data that belongs to
// a different identity. Exactly one answer is consumed; later answers are
// ignored.
type ClearPrompt struct {
	// Reason is "identity-switch" or "foreign-residue".
	Reason string

	// Pending is the number of queued mutations that would be lost by a
	// plain clear.
	Pending int

	response chan ClearDecision
}

// Respond delivers a decision for this prompt. Safe to call more than
// once; only the first decision is used.
func (p *ClearPrompt) Respond(d ClearDecision) {
	select {
	case p.response <- d:
	default:
	}
}

type handler struct {
	id int
	fn func(Event)
}

// Bus fans events out to subscribers synchronously, in subscription
// order. Handlers must not block.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic][]handler
	nextID int

	promptMu sync.Mutex
	prompt   *ClearPrompt
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]handler)}
}

// Subscribe registers fn for a topic and returns an id for Unsubscribe.
func (b *Bus) Subscribe(topic Topic, fn func(Event)) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], handler{id: b.nextID, fn: fn})

	return b.nextID
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(topic Topic, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hs := b.subs[topic]
	for i := range hs {
		if hs[i].id == id {
			b.subs[topic] = append(hs[:i:i], hs[i+1:]...)

			return
		}
	}
}

// Publish delivers an event to every subscriber of its topic.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	hs := append([]handler(nil), b.subs[ev.Topic]...)
	b.mu.Unlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

// RequestClearDecision publishes a clear prompt and waits up to timeout
// for a subscriber to respond, either through the prompt itself or via
// Respond on the bus. When no subscriber answers in time (or none is
// registered), fallback is returned.
func (b *Bus) RequestClearDecision(ctx context.Context, reason string, pending int, timeout time.Duration, fallback ClearDecision) ClearDecision {
	p := &ClearPrompt{
		Reason:   reason,
		Pending:  pending,
		response: make(chan ClearDecision, 1),
	}

	b.promptMu.Lock()
	b.prompt = p
	b.promptMu.Unlock()

	defer func() {
		b.promptMu.Lock()
		b.prompt = nil
		b.promptMu.Unlock()
	}()

	b.Publish(Event{Topic: TopicConfirmClear, Pending: pending, Prompt: p})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-p.response:
		return d
	case <-timer.C:
		return fallback
	case <-ctx.Done():
		return DecisionCancel
	}
}

// Respond answers the outstanding clear prompt, if any. Returns false when
// no prompt is waiting.
func (b *Bus) Respond(d ClearDecision) bool {
	b.promptMu.Lock()
	p := b.prompt
	b.promptMu.Unlock()

	if p == nil {
		return false
	}

	p.Respond(d)

	return true
}
