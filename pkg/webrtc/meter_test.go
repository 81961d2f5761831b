package webrtc

import (
	"testing"
	"time"

	"github.com/pion/rtp"
)

func packet(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Timestamp: ts}}
}

func TestMeterSteadyStreamConcealsNothing(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	for i := 0; i < 50; i++ {
		m.Observe(packet(uint16(i), uint32(i*960)), base.Add(time.Duration(i)*20*time.Millisecond))
	}

	s := m.Stats()
	if s.ConcealedSamples != 0 {
		t.Errorf("concealed = %d, want 0", s.ConcealedSamples)
	}
	if s.PacketsReceived != 50 {
		t.Errorf("received = %d, want 50", s.PacketsReceived)
	}
}

func TestMeterLossConceals(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(10, 0), base)
	m.Observe(packet(11, 960), base.Add(20*time.Millisecond))
	// 12, 13, 14 lost; 15 arrives on schedule
	m.Observe(packet(15, 4800), base.Add(100*time.Millisecond))

	s := m.Stats()
	if s.PacketsLost != 3 {
		t.Errorf("lost = %d, want 3", s.PacketsLost)
	}
	if s.ConcealedSamples != 3*960 {
		t.Errorf("concealed = %d, want %d", s.ConcealedSamples, 3*960)
	}
	if s.UnderrunSamples != 0 {
		t.Errorf("underrun = %d, want 0", s.UnderrunSamples)
	}
}

func TestMeterLateArrivalConceals(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(1, 0), base)
	// Next 20ms packet arrives 180ms later: 180 - 20 - 60 = 100ms underrun
	m.Observe(packet(2, 960), base.Add(180*time.Millisecond))

	s := m.Stats()
	if s.UnderrunSamples != 4800 {
		t.Errorf("underrun = %d, want 4800", s.UnderrunSamples)
	}
	if s.ConcealedSamples != 4800 {
		t.Errorf("concealed = %d, want 4800", s.ConcealedSamples)
	}
}

func TestMeterJitterWithinPlayoutDelay(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(1, 0), base)
	m.Observe(packet(2, 960), base.Add(70*time.Millisecond))

	if c := m.ConcealedSamples(); c != 0 {
		t.Errorf("concealed = %d, want 0 for jitter inside the playout delay", c)
	}
}

func TestMeterSequenceWrap(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(65534, 4294966336), base)
	m.Observe(packet(65535, 0), base.Add(20*time.Millisecond))
	// sequence 0 lost across the wrap
	m.Observe(packet(1, 1920), base.Add(60*time.Millisecond))

	s := m.Stats()
	if s.PacketsLost != 1 {
		t.Errorf("lost = %d, want 1", s.PacketsLost)
	}
	if s.ConcealedSamples != 960 {
		t.Errorf("concealed = %d, want 960", s.ConcealedSamples)
	}
}

func TestMeterDiscardsDuplicatesAndLate(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(100, 0), base)
	m.Observe(packet(100, 0), base.Add(time.Millisecond))
	m.Observe(packet(99, 0), base.Add(2*time.Millisecond))

	s := m.Stats()
	if s.PacketsDiscarded != 2 {
		t.Errorf("discarded = %d, want 2", s.PacketsDiscarded)
	}
	if s.PacketsReceived != 1 {
		t.Errorf("received = %d, want 1", s.PacketsReceived)
	}
	if s.ConcealedSamples != 0 {
		t.Errorf("concealed = %d, want 0", s.ConcealedSamples)
	}
}

func TestMeterResyncsAfterSequenceJump(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * 20 * time.Millisecond) }

	m.Observe(packet(100, 0), at(0))
	m.Observe(packet(101, 960), at(1))

	// Sender restarts 40000 sequence numbers ahead: the first packets look
	// old, then the meter follows the new sequence
	for i := 0; i < resyncAfter; i++ {
		m.Observe(packet(uint16(40101+i), uint32(960*(i+2))), at(i+2))
	}
	s := m.Stats()
	if s.PacketsDiscarded != resyncAfter-1 {
		t.Errorf("discarded = %d, want %d", s.PacketsDiscarded, resyncAfter-1)
	}

	// 2 lost after the resync point must be counted again
	next := uint16(40101 + resyncAfter - 1 + 3)
	m.Observe(packet(next, uint32(960*(resyncAfter+1+3))), at(resyncAfter+4))

	s = m.Stats()
	if s.PacketsLost != 2 {
		t.Errorf("lost = %d, want 2 after resync", s.PacketsLost)
	}
	if s.ConcealedSamples != 2*960 {
		t.Errorf("concealed = %d, want %d", s.ConcealedSamples, 2*960)
	}
}

func TestMeterResyncsOnNewSSRC(t *testing.T) {
	m := NewConcealmentMeter(48000, 60*time.Millisecond)
	base := time.Unix(0, 0)

	m.Observe(packet(500, 0), base)
	m.Observe(packet(501, 960), base.Add(20*time.Millisecond))

	restarted := packet(10, 123456)
	restarted.SSRC = 42
	m.Observe(restarted, base.Add(40*time.Millisecond))
	m.Observe(&rtp.Packet{Header: rtp.Header{SSRC: 42, SequenceNumber: 11, Timestamp: 124416}},
		base.Add(60*time.Millisecond))

	s := m.Stats()
	if s.PacketsReceived != 4 {
		t.Errorf("received = %d, want 4", s.PacketsReceived)
	}
	if s.PacketsDiscarded != 0 || s.PacketsLost != 0 || s.ConcealedSamples != 0 {
		t.Errorf("unexpected counters after SSRC change: %+v", s)
	}
}
