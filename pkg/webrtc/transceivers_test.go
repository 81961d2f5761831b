package webrtc

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/negotiate_timing_go/pkg/signaling"
)

const offerSDP = `v=0
o=- 4215775240449105457 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1 2 3
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
a=sendrecv
a=rtpmap:111 opus/48000/2
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:1
a=sendrecv
a=rtpmap:96 VP8/90000
m=video 0 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:2
a=rtpmap:96 VP8/90000
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:3
a=inactive
a=rtpmap:96 VP8/90000
`

func TestCountSectionsSDP(t *testing.T) {
	raw := strings.ReplaceAll(offerSDP, "\n", "\r\n")

	counts, err := CountSectionsSDP(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if counts["audio"] != 1 {
		t.Errorf("audio = %d, want 1", counts["audio"])
	}
	// mid 2 is rejected (port 0), mid 3 is inactive
	if counts["video"] != 1 {
		t.Errorf("video = %d, want 1", counts["video"])
	}
}

func TestCountSectionsNil(t *testing.T) {
	if counts := CountSections(nil); len(counts) != 0 {
		t.Errorf("expected empty counts, got %v", counts)
	}
}

func TestCountSectionsSDPInvalid(t *testing.T) {
	if _, err := CountSectionsSDP("not sdp"); err == nil {
		t.Error("expected parse error")
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(ConnectionConfig{LoopbackOnly: true}, slog.Default())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestAdjustVideoTransceivers(t *testing.T) {
	mgr := newTestManager(t)
	peer, err := mgr.CreatePeer(context.Background(), "pc1")
	if err != nil {
		t.Fatalf("failed to create peer: %v", err)
	}

	steps := []struct {
		target      int
		wantAdded   int
		wantStopped int
	}{
		{target: 3, wantAdded: 3},
		{target: 3},
		{target: 1, wantStopped: 2},
		{target: 4, wantAdded: 3},
		{target: 0, wantStopped: 4},
	}

	for _, step := range steps {
		adj, err := peer.AdjustVideoTransceivers(step.target)
		if err != nil {
			t.Fatalf("adjust to %d failed: %v", step.target, err)
		}
		if adj.Added != step.wantAdded || adj.Stopped != step.wantStopped {
			t.Errorf("adjust to %d: added=%d stopped=%d, want added=%d stopped=%d",
				step.target, adj.Added, adj.Stopped, step.wantAdded, step.wantStopped)
		}
		if got := peer.VideoTransceiverCount(); got != step.target {
			t.Errorf("after adjust to %d: count = %d", step.target, got)
		}
	}
}

func TestAdjustVideoTransceiversNegative(t *testing.T) {
	mgr := newTestManager(t)
	peer, err := mgr.CreatePeer(context.Background(), "pc1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := peer.AdjustVideoTransceivers(-1); err == nil {
		t.Error("expected error for negative target")
	}
}

func TestNegotiatedVideoSectionsBeforeNegotiation(t *testing.T) {
	mgr := newTestManager(t)
	peer, err := mgr.CreatePeer(context.Background(), "pc2")
	if err != nil {
		t.Fatal(err)
	}
	n, err := peer.NegotiatedVideoSections()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("sections = %d, want 0", n)
	}
	if _, ok := peer.AudioReceiverStats(); ok {
		t.Error("expected no receiver stats before audio arrives")
	}
}

func TestManagerRejectsDuplicatePeer(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.CreatePeer(ctx, "pc1"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.CreatePeer(ctx, "pc1"); err == nil {
		t.Error("expected error for duplicate peer name")
	}
	if _, err := mgr.CreatePeer(ctx, "pc2"); err != nil {
		t.Fatal(err)
	}
}

func TestClosedPeerStartsNoWorkers(t *testing.T) {
	mgr := newTestManager(t)
	peer, err := mgr.CreatePeer(context.Background(), "pc1")
	if err != nil {
		t.Fatal(err)
	}

	if !peer.startWorker() {
		t.Fatal("open peer should accept workers")
	}
	peer.wg.Done()

	if err := peer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if peer.startWorker() {
		peer.wg.Done()
		t.Error("closed peer accepted a worker")
	}
	// Second close is a no-op
	if err := peer.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

// TestRenegotiatedSectionCounts walks pc1's video transceiver count up and
// down and checks what pc2 sees after each offer/answer exchange
func TestRenegotiatedSectionCounts(t *testing.T) {
	mgr := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pc1, err := mgr.CreatePeer(ctx, "pc1")
	if err != nil {
		t.Fatal(err)
	}
	pc2, err := mgr.CreatePeer(ctx, "pc2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pc1.peerConn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("failed to add audio transceiver: %v", err)
	}

	loopback := signaling.NewLoopback(pc1, pc2, slog.Default())
	if _, err := loopback.Negotiate(ctx); err != nil {
		t.Fatalf("initial negotiation failed: %v", err)
	}

	steps := []struct {
		target   int
		wantPrev int
	}{
		{target: 4, wantPrev: 0},
		{target: 1, wantPrev: 4},
		{target: 1, wantPrev: 1},
		{target: 0, wantPrev: 1},
		{target: 3, wantPrev: 0},
	}

	for _, step := range steps {
		if _, err := pc1.AdjustVideoTransceivers(step.target); err != nil {
			t.Fatalf("adjust to %d failed: %v", step.target, err)
		}

		prev, err := pc2.NegotiatedVideoSections()
		if err != nil {
			t.Fatal(err)
		}
		if prev != step.wantPrev {
			t.Errorf("before %d: pc2 sections = %d, want %d", step.target, prev, step.wantPrev)
		}

		if _, err := loopback.Negotiate(ctx); err != nil {
			t.Fatalf("negotiation to %d failed: %v", step.target, err)
		}

		cur, err := pc2.NegotiatedVideoSections()
		if err != nil {
			t.Fatal(err)
		}
		if cur != step.target {
			t.Errorf("after %d: pc2 sections = %d, want %d", step.target, cur, step.target)
		}
	}
}
