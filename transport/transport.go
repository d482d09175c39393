// Package transport carries encoded protocol messages between nodes.
// Delivery is best effort: messages may be dropped, duplicated, or
// reordered, and the engine tolerates all three. Authentication lives
// in the message layer, not here.
package transport

// Inbound is one received datagram.
type Inbound struct {
	Data []byte
}

// Transport is the contract the engine and the client driver consume:
// unordered, lossy, duplicating datagram multicast to a named set of
// nodes.
type Transport interface {
	// Start begins delivery into Receive.
	Start() error

	// Stop ceases delivery. Pending messages may be dropped.
	Stop() error

	// Send enqueues a datagram to one node. Best effort.
	Send(dest uint64, data []byte)

	// Broadcast enqueues a datagram to every replica in the group,
	// excluding the local node.
	Broadcast(data []byte)

	// Receive yields inbound datagrams until Stop.
	Receive() <-chan Inbound
}
