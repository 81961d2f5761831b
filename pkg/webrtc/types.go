package webrtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN         []string      // STUN server URLs, usually empty for loopback calls
	LoopbackOnly bool          // Gather only loopback host candidates
	PlayoutDelay time.Duration // Receive buffer target for the concealment meter
}

// Adjustment describes what AdjustVideoTransceivers changed
type Adjustment struct {
	Previous int
	Target   int
	Added    int
	Stopped  int
}

// ReceiverStats is what the stats interceptor knows about an inbound stream
type ReceiverStats struct {
	PacketsReceived uint64
	PacketsLost     int64
	Jitter          float64
}

// TrackRemote is the remote track type handed to OnRemoteTrack callbacks
type TrackRemote = webrtc.TrackRemote
