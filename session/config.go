package session

import "time"

// DefaultLatency is the batching-delay default from spec 6.2.
const DefaultLatency = 10 * time.Millisecond

// Config is the external configuration surface of a session (spec 6.2).
type Config struct {
	// Latency upper-bounds how long the send pipeline waits to fill a
	// batch before FEC-encoding and emitting it.
	Latency time.Duration
	// TargetLoss is the design-point downstream loss used to size the FEC.
	TargetLoss float64
	// SendFrame is the duplex channel to the packet substrate: frames this
	// endpoint emits.
	SendFrame chan<- *Frame
	// RecvFrame is the duplex channel to the packet substrate: frames this
	// endpoint admits.
	RecvFrame <-chan *Frame
}
