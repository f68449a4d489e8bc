package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"porto-relay/internal/core/broadcast"
)

type waitResult struct {
	value json.RawMessage
	err   error
}

func startWait(c *Correlator, id uint64, timeout time.Duration) <-chan waitResult {
	out := make(chan waitResult, 1)
	go func() {
		v, err := c.Wait(context.Background(), id, timeout)
		out <- waitResult{v, err}
	}()
	return out
}

func waitPending(t *testing.T, c *Correlator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending() == n }, time.Second, 5*time.Millisecond)
}

func response(id string, result string) broadcast.Message {
	return broadcast.Message{
		ID:      "m-" + id,
		Topic:   TopicRPCResponse,
		Payload: json.RawMessage(`{"id":` + id + `,"result":` + result + `}`),
	}
}

func TestCorrelator_DirectResolve(t *testing.T) {
	c := NewCorrelator(broadcast.NewBus(0), nil)
	res := startWait(c, 1, time.Second)
	waitPending(t, c, 1)

	assert.True(t, c.Resolve(1, json.RawMessage(`{"ok":true}`)))
	got := <-res
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"ok":true}`, string(got.value))
	assert.Zero(t, c.Pending())

	assert.False(t, c.Resolve(1, json.RawMessage(`{}`)), "second resolve must be a no-op")
}

func TestCorrelator_ObservedOnBus(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)
	res := startWait(c, 7, time.Second)
	waitPending(t, c, 1)

	_, err := bus.Publish(response("7", `"done"`))
	require.NoError(t, err)

	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, `"done"`, string(got.value))
	assert.Zero(t, c.Pending())
}

func TestCorrelator_NullResult(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)
	res := startWait(c, 3, time.Second)
	waitPending(t, c, 1)

	_, err := bus.Publish(response("3", `null`))
	require.NoError(t, err)
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "null", string(got.value))
}

func TestCorrelator_OtherIDLeavesWaitPending(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)
	res := startWait(c, 1, time.Second)
	waitPending(t, c, 1)

	_, err := bus.Publish(response("2", `"wrong"`))
	require.NoError(t, err)
	assert.False(t, c.Resolve(2, json.RawMessage(`"wrong"`)))

	select {
	case got := <-res:
		t.Fatalf("wait for 1 resolved by another id: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve(1, json.RawMessage(`"right"`)))
	assert.Equal(t, `"right"`, string((<-res).value))
}

func TestCorrelator_IgnoresMalformedResponses(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)
	res := startWait(c, 1, 150*time.Millisecond)
	waitPending(t, c, 1)

	for _, payload := range []string{
		`{"id":1}`,
		`{"id":"1","result":true}`,
		`{"id":-1,"result":true}`,
		`{"id":null,"result":true}`,
		`[1,2]`,
	} {
		_, err := bus.Publish(broadcast.Message{ID: "x", Topic: TopicRPCResponse, Payload: json.RawMessage(payload)})
		require.NoError(t, err)
	}
	_, err := bus.Publish(broadcast.Message{ID: "y", Topic: "event", Payload: json.RawMessage(`{"id":1,"result":true}`)})
	require.NoError(t, err)

	got := <-res
	assert.ErrorIs(t, got.err, ErrTimedOut)
}

func TestCorrelator_TimeoutRemovesPendingWait(t *testing.T) {
	c := NewCorrelator(broadcast.NewBus(0), nil)

	start := time.Now()
	_, err := c.Wait(context.Background(), 2, 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, c.Pending())
	assert.False(t, c.Resolve(2, json.RawMessage(`1`)))
}

func TestCorrelator_BusClosed(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)
	res := startWait(c, 4, 5*time.Second)
	waitPending(t, c, 1)

	bus.Close()
	got := <-res
	assert.ErrorIs(t, got.err, ErrChannelClosed)
	assert.NotErrorIs(t, got.err, ErrTimedOut)
	assert.Zero(t, c.Pending())

	_, err := c.Wait(context.Background(), 5, time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := NewCorrelator(broadcast.NewBus(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Wait(ctx, 9, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Pending())
}

func TestCorrelator_DuplicateWaitRejected(t *testing.T) {
	c := NewCorrelator(broadcast.NewBus(0), nil)
	res := startWait(c, 1, time.Second)
	waitPending(t, c, 1)

	_, err := c.Wait(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve(1, json.RawMessage(`"first"`)))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, `"first"`, string(got.value))
}

func TestCorrelator_ResolveUnknownIsNoop(t *testing.T) {
	c := NewCorrelator(broadcast.NewBus(0), nil)
	res := startWait(c, 10, time.Second)
	waitPending(t, c, 1)

	assert.False(t, c.Resolve(11, json.RawMessage(`1`)))
	assert.Equal(t, 1, c.Pending())

	require.True(t, c.Resolve(10, json.RawMessage(`2`)))
	assert.Equal(t, "2", string((<-res).value))
}

// Direct and observed paths racing for the same id deliver exactly once.
func TestCorrelator_ExactlyOnceUnderRace(t *testing.T) {
	bus := broadcast.NewBus(0)
	c := NewCorrelator(bus, nil)

	for round := 0; round < 50; round++ {
		res := startWait(c, 1, time.Second)
		waitPending(t, c, 1)

		var delivered atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if c.Resolve(1, json.RawMessage(`"direct"`)) {
					delivered.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				_, _ = bus.Publish(response("1", `"observed"`))
			}()
		}
		wg.Wait()

		got := <-res
		require.NoError(t, got.err)
		assert.Contains(t, []string{`"direct"`, `"observed"`}, string(got.value))
		assert.LessOrEqual(t, delivered.Load(), int32(1))
		waitPending(t, c, 0)
	}
}
