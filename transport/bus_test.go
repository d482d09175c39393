package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, ep *Endpoint) []byte {
	t.Helper()
	select {
	case in := <-ep.Receive():
		return in.Data
	case <-time.After(time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func recvNone(t *testing.T, ep *Endpoint) {
	t.Helper()
	select {
	case in := <-ep.Receive():
		t.Fatalf("unexpected delivery: %q", in.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAndBroadcast(t *testing.T) {
	bus := NewBus()
	group := []uint64{0, 1, 2}
	a := bus.Endpoint(0, group)
	b := bus.Endpoint(1, group)
	c := bus.Endpoint(2, group)
	for _, ep := range []*Endpoint{a, b, c} {
		require.NoError(t, ep.Start())
	}

	a.Send(1, []byte("direct"))
	assert.Equal(t, []byte("direct"), recvOne(t, b))

	a.Broadcast([]byte("fanout"))
	assert.Equal(t, []byte("fanout"), recvOne(t, b))
	assert.Equal(t, []byte("fanout"), recvOne(t, c))
	recvNone(t, a)
}

func TestFilterDrops(t *testing.T) {
	bus := NewBus()
	group := []uint64{0, 1}
	a := bus.Endpoint(0, group)
	b := bus.Endpoint(1, group)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	bus.SetFilter(func(from, to uint64, data []byte) bool {
		return from != 0
	})
	a.Send(1, []byte("silenced"))
	recvNone(t, b)

	bus.SetFilter(nil)
	a.Send(1, []byte("audible"))
	assert.Equal(t, []byte("audible"), recvOne(t, b))
}

func TestDuplicateDelivery(t *testing.T) {
	bus := NewBus()
	group := []uint64{0, 1}
	a := bus.Endpoint(0, group)
	b := bus.Endpoint(1, group)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	bus.SetDuplicate(true)
	a.Send(1, []byte("twice"))
	assert.Equal(t, []byte("twice"), recvOne(t, b))
	assert.Equal(t, []byte("twice"), recvOne(t, b))
}

func TestNoDeliveryBeforeStartOrAfterStop(t *testing.T) {
	bus := NewBus()
	group := []uint64{0, 1}
	a := bus.Endpoint(0, group)
	b := bus.Endpoint(1, group)
	require.NoError(t, a.Start())

	a.Send(1, []byte("early"))
	require.NoError(t, b.Start())
	recvNone(t, b)

	require.NoError(t, b.Stop())
	a.Send(1, []byte("late"))
	// The channel is closed; only the zero value remains.
	in, ok := <-b.Receive()
	assert.False(t, ok)
	assert.Nil(t, in.Data)
}
