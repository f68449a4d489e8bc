package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"porto-relay/internal/core/broadcast"
)

// TopicRPCResponse marks a message whose payload answers a request:
// {"id": <request id>, "result": <value>}.
const TopicRPCResponse = "rpc-response"

// DefaultTimeout leaves room for a person to finish a browser interaction.
const DefaultTimeout = 300 * time.Second

var (
	ErrTimedOut       = errors.New("request timed out")
	ErrChannelClosed  = errors.New("broadcast channel closed")
	ErrAlreadyWaiting = errors.New("request id already has a pending wait")
)

// Correlator matches rpc-response messages to callers blocked on a request id.
type Correlator struct {
	bus     *broadcast.Bus
	pending *pendingWaits
	logger  *slog.Logger
}

func NewCorrelator(bus *broadcast.Bus, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{bus: bus, pending: newPendingWaits(), logger: logger}
}

// Resolve hands value to the caller waiting on id. It reports whether such a
// caller existed; resolving an unknown or already resolved id does nothing.
func (c *Correlator) Resolve(id uint64, value json.RawMessage) bool {
	return c.pending.resolve(id, value)
}

// Pending returns the number of outstanding waits.
func (c *Correlator) Pending() int {
	return c.pending.len()
}

// Wait blocks until id is resolved, either directly through Resolve or by a
// matching rpc-response observed on the bus. It fails with ErrTimedOut once
// timeout elapses, ErrChannelClosed if the bus shuts down, or ctx.Err() on
// cancellation. A timeout <= 0 means DefaultTimeout. Only one wait per id may
// be outstanding; a second one fails with ErrAlreadyWaiting.
func (c *Correlator) Wait(ctx context.Context, id uint64, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	msgs, unsubscribe := c.bus.Subscribe()
	defer unsubscribe()

	slot, err := c.pending.add(id)
	if err != nil {
		return nil, err
	}

	closed := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go c.observe(id, msgs, closed, done)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-slot:
		return v, nil
	case <-closed:
		return c.giveUp(id, slot, ErrChannelClosed)
	case <-timer.C:
		return c.giveUp(id, slot, ErrTimedOut)
	case <-ctx.Done():
		return c.giveUp(id, slot, ctx.Err())
	}
}

func (c *Correlator) observe(id uint64, msgs <-chan broadcast.Message, closed, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-msgs:
			if !ok {
				close(closed)
				return
			}
			rid, result, ok := responseFor(msg)
			if !ok || rid != id {
				continue
			}
			if !c.Resolve(id, result) {
				c.logger.Debug("ignoring response without pending wait", "request_id", id, "message_id", msg.ID)
			}
		}
	}
}

func (c *Correlator) giveUp(id uint64, slot chan json.RawMessage, cause error) (json.RawMessage, error) {
	if c.pending.abandon(id, slot) {
		return nil, cause
	}
	// A resolver removed the entry first and is filling the slot.
	return <-slot, nil
}

// responseFor extracts the request id and result from an rpc-response
// message. The id must be an unsigned integer and result must be present
// (null is a valid result).
func responseFor(msg broadcast.Message) (uint64, json.RawMessage, bool) {
	if msg.Topic != TopicRPCResponse {
		return 0, nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload, &fields); err != nil {
		return 0, nil, false
	}
	rawID, ok := fields["id"]
	if !ok {
		return 0, nil, false
	}
	result, ok := fields["result"]
	if !ok {
		return 0, nil, false
	}
	var id *uint64
	if err := json.Unmarshal(rawID, &id); err != nil || id == nil {
		return 0, nil, false
	}
	return *id, result, true
}
