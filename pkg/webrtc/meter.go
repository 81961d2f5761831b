package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// DefaultPlayoutDelay is the receive buffer target assumed when none is configured
const DefaultPlayoutDelay = 60 * time.Millisecond

// resyncAfter is how many packets in a row may look older than the newest
// one before the meter takes them as a restarted sequence
const resyncAfter = 5

// MeterStats is a snapshot of a ConcealmentMeter
type MeterStats struct {
	PacketsReceived  uint64
	PacketsLost      uint64
	PacketsDiscarded uint64 // Duplicates and packets older than the newest seen
	ConcealedSamples uint64
	UnderrunSamples  uint64 // Part of ConcealedSamples caused by late arrival
}

// ConcealmentMeter estimates how many audio samples a playout buffer would
// have had to synthesize for an RTP stream. Missing sequence numbers conceal
// the media time they carried; an arrival gap longer than the media time
// plus the playout delay conceals the excess.
type ConcealmentMeter struct {
	clockRate    uint32
	playoutDelay time.Duration

	mu          sync.Mutex
	started     bool
	ssrc        uint32
	behind      int // Consecutive packets older than lastSeq
	lastSeq     uint16
	lastTS      uint32
	lastArrival time.Time
	stats       MeterStats
}

// NewConcealmentMeter creates a meter for a stream with the given RTP clock rate
func NewConcealmentMeter(clockRate uint32, playoutDelay time.Duration) *ConcealmentMeter {
	if clockRate == 0 {
		clockRate = 48000
	}
	if playoutDelay < 0 {
		playoutDelay = 0
	}
	return &ConcealmentMeter{
		clockRate:    clockRate,
		playoutDelay: playoutDelay,
	}
}

// Observe accounts for one received packet
func (m *ConcealmentMeter) Observe(pkt *rtp.Packet, arrival time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || pkt.SSRC != m.ssrc {
		m.resync(pkt, arrival)
		return
	}

	// uint16 arithmetic wraps; anything in the upper half is behind us
	seqDelta := pkt.SequenceNumber - m.lastSeq
	if seqDelta == 0 {
		m.stats.PacketsDiscarded++
		return
	}
	if seqDelta >= 0x8000 {
		m.behind++
		if m.behind >= resyncAfter {
			m.resync(pkt, arrival)
			return
		}
		m.stats.PacketsDiscarded++
		return
	}
	m.behind = 0
	m.stats.PacketsReceived++

	tsDelta := pkt.Timestamp - m.lastTS

	if lost := uint64(seqDelta) - 1; lost > 0 {
		m.stats.PacketsLost += lost
		samplesPerPacket := uint64(tsDelta) / uint64(seqDelta)
		m.stats.ConcealedSamples += samplesPerPacket * lost
	}

	mediaGap := time.Duration(uint64(tsDelta) * uint64(time.Second) / uint64(m.clockRate))
	arrivalGap := arrival.Sub(m.lastArrival)
	if excess := arrivalGap - mediaGap - m.playoutDelay; excess > 0 {
		underrun := uint64(excess) * uint64(m.clockRate) / uint64(time.Second)
		m.stats.UnderrunSamples += underrun
		m.stats.ConcealedSamples += underrun
	}

	m.lastSeq = pkt.SequenceNumber
	m.lastTS = pkt.Timestamp
	m.lastArrival = arrival
}

// resync restarts sequence tracking at pkt. Counters are kept.
func (m *ConcealmentMeter) resync(pkt *rtp.Packet, arrival time.Time) {
	m.started = true
	m.ssrc = pkt.SSRC
	m.behind = 0
	m.lastSeq = pkt.SequenceNumber
	m.lastTS = pkt.Timestamp
	m.lastArrival = arrival
	m.stats.PacketsReceived++
}

// ConcealedSamples returns the running concealed sample count
func (m *ConcealmentMeter) ConcealedSamples() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.ConcealedSamples
}

// Stats returns a snapshot of all counters
func (m *ConcealmentMeter) Stats() MeterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
