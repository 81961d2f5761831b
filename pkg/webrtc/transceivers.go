package webrtc

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// liveVideoTransceivers returns the video transceivers that have not been stopped,
// in creation order
func (p *PeerConnection) liveVideoTransceivers() []*webrtc.RTPTransceiver {
	p.mu.Lock()
	defer p.mu.Unlock()

	var live []*webrtc.RTPTransceiver
	for _, tr := range p.peerConn.GetTransceivers() {
		if tr.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if _, stopped := p.stoppedTransceivers[tr]; stopped {
			continue
		}
		live = append(live, tr)
	}
	return live
}

// VideoTransceiverCount returns the number of live local video transceivers
func (p *PeerConnection) VideoTransceiverCount() int {
	return len(p.liveVideoTransceivers())
}

// AdjustVideoTransceivers adds sendrecv video transceivers or stops the
// surplus ones until target are live
func (p *PeerConnection) AdjustVideoTransceivers(target int) (Adjustment, error) {
	if target < 0 {
		return Adjustment{}, fmt.Errorf("invalid video transceiver target: %d", target)
	}

	current := p.liveVideoTransceivers()
	adj := Adjustment{Previous: len(current), Target: target}

	switch {
	case len(current) < target:
		p.logger.Info("adding transceivers", "count", target-len(current))
		for i := len(current); i < target; i++ {
			if _, err := p.peerConn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			}); err != nil {
				return adj, fmt.Errorf("failed to add video transceiver: %w", err)
			}
			adj.Added++
		}

	case len(current) > target:
		p.logger.Info("stopping transceivers", "count", len(current)-target)
		for i := target; i < len(current); i++ {
			tr := current[i]
			if err := tr.Stop(); err != nil {
				return adj, fmt.Errorf("failed to stop video transceiver %s: %w", tr.Mid(), err)
			}
			p.mu.Lock()
			p.stoppedTransceivers[tr] = struct{}{}
			p.mu.Unlock()
			adj.Stopped++
		}

	default:
		p.logger.Info("no adjustment", "videoCount", len(current), "target", target)
	}

	return adj, nil
}

// NegotiatedVideoSections counts the accepted video m-sections of the current
// remote description
func (p *PeerConnection) NegotiatedVideoSections() (int, error) {
	desc := p.peerConn.CurrentRemoteDescription()
	if desc == nil {
		return 0, nil
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return 0, fmt.Errorf("failed to parse remote description: %w", err)
	}
	return CountSections(parsed)["video"], nil
}

// CountSections counts active m-sections per media kind. Rejected (port 0)
// and inactive sections are skipped.
func CountSections(desc *sdp.SessionDescription) map[string]int {
	counts := make(map[string]int)
	if desc == nil {
		return counts
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Port.Value == 0 {
			continue
		}
		if _, inactive := md.Attribute(sdp.AttrKeyInactive); inactive {
			continue
		}
		counts[md.MediaName.Media]++
	}
	return counts
}

// CountSectionsSDP parses raw SDP and counts its active m-sections
func CountSectionsSDP(raw string) (map[string]int, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}
	return CountSections(&desc), nil
}
