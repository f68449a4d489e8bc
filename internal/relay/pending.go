package relay

import (
	"encoding/json"
	"sync"
)

// pendingWaits holds one single-use slot per outstanding request id.
type pendingWaits struct {
	mu    sync.RWMutex
	slots map[uint64]chan json.RawMessage
}

func newPendingWaits() *pendingWaits {
	return &pendingWaits{slots: make(map[uint64]chan json.RawMessage)}
}

func (p *pendingWaits) add(id uint64) (chan json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.slots[id]; ok {
		return nil, ErrAlreadyWaiting
	}
	slot := make(chan json.RawMessage, 1)
	p.slots[id] = slot
	return slot, nil
}

// resolve removes the slot for id before filling it, so concurrent callers
// deliver at most once.
func (p *pendingWaits) resolve(id uint64, value json.RawMessage) bool {
	p.mu.Lock()
	slot, ok := p.slots[id]
	if ok {
		delete(p.slots, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	slot <- value
	return true
}

// abandon drops the entry for id if it still belongs to slot. It reports
// false when a resolver got there first.
func (p *pendingWaits) abandon(id uint64, slot chan json.RawMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.slots[id]
	if !ok || cur != slot {
		return false
	}
	delete(p.slots, id)
	return true
}

func (p *pendingWaits) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}
