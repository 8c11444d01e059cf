package net

// Transport provides an interface for frame links to allow the engine to
// exchange raw frames with the mesh. Implementations deliver whole deframed
// frames; checksum verification and payload parsing stay with the caller.
type Transport interface {

	// Starts the transport listening
	Listen()

	// Consumer returns a channel that can be used to consume inbound frames
	// in arrival order.
	Consumer() <-chan []byte

	// Write queues a frame for transmission on the link.
	Write(frame []byte) error

	// LocalAddr is used to return our local address
	LocalAddr() string

	// Close permanently closes a transport, stopping
	// any associated goroutines and freeing other resources.
	Close() error
}
