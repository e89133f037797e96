package api

import (
    "sync"
)

// SSEEvent is one job lifecycle event fanned out to stream subscribers.
type SSEEvent struct {
    Type string         `json:"type"`
    Data map[string]any `json:"data,omitempty"`
}

// Broker fans events out in-process. Slow subscribers drop events.
type Broker struct {
    mu   sync.Mutex
    subs map[string]map[chan SSEEvent]struct{} // jobId -> set of channels
}

func NewBroker() *Broker {
    return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(jobID string) chan SSEEvent {
    ch := make(chan SSEEvent, 8)
    b.mu.Lock()
    if b.subs[jobID] == nil { b.subs[jobID] = map[chan SSEEvent]struct{}{} }
    b.subs[jobID][ch] = struct{}{}
    b.mu.Unlock()
    return ch
}

func (b *Broker) Unsubscribe(jobID string, ch chan SSEEvent) {
    b.mu.Lock()
    defer b.mu.Unlock()
    m := b.subs[jobID]
    if _, ok := m[ch]; !ok { return }
    delete(m, ch)
    if len(m) == 0 { delete(b.subs, jobID) }
    close(ch)
}

func (b *Broker) Publish(jobID string, evt SSEEvent) {
    b.mu.Lock()
    m := b.subs[jobID]
    for ch := range m {
        select { case ch <- evt: default: }
    }
    b.mu.Unlock()
}
