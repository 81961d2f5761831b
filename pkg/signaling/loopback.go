package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Peer is the subset of a peer connection that loopback signaling drives
type Peer interface {
	Name() string
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
}

// Exchange records one offer/answer round
type Exchange struct {
	Offer  webrtc.SessionDescription
	Answer webrtc.SessionDescription
}

// Loopback connects two peers in the same process: descriptions and
// candidates are handed straight from one to the other
type Loopback struct {
	offerer  Peer
	answerer Peer
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[Peer][]webrtc.ICECandidateInit // Candidates waiting for a remote description
	relayed map[string]int                     // Relayed candidate count by source peer name
}

// NewLoopback pairs offerer and answerer and starts relaying candidates
func NewLoopback(offerer, answerer Peer, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loopback{
		offerer:  offerer,
		answerer: answerer,
		logger:   logger,
		pending:  make(map[Peer][]webrtc.ICECandidateInit),
		relayed:  make(map[string]int),
	}

	offerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		l.onCandidate(offerer, c)
	})
	answerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		l.onCandidate(answerer, c)
	})

	return l
}

func (l *Loopback) other(p Peer) Peer {
	if p == l.offerer {
		return l.answerer
	}
	return l.offerer
}

// onCandidate relays a gathered candidate to the other peer, queueing it if
// that peer cannot accept candidates yet
func (l *Loopback) onCandidate(from Peer, c *webrtc.ICECandidate) {
	if c == nil {
		l.logger.Debug("ICE NULL candidate", "peer", from.Name())
		return
	}

	init := c.ToJSON()
	index := -1
	if init.SDPMLineIndex != nil {
		index = int(*init.SDPMLineIndex)
	}
	l.logger.Debug("emitted ICE candidate", "peer", from.Name(), "index", index, "candidate", init.Candidate)

	l.deliver(from, init)
}

// deliver hands init to the peer opposite from. It holds the lock across
// AddICECandidate so a concurrent flush cannot reorder candidates.
func (l *Loopback) deliver(from Peer, init webrtc.ICECandidateInit) {
	to := l.other(from)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !to.HasRemoteDescription() {
		l.pending[to] = append(l.pending[to], init)
		return
	}

	if err := to.AddICECandidate(init); err != nil {
		l.logger.Warn("addIceCandidate failed", "from", from.Name(), "to", to.Name(), "error", err)
		return
	}
	l.relayed[from.Name()]++
	l.logger.Debug("addIceCandidate success", "peer", from.Name())
}

// flush delivers candidates queued for to
func (l *Loopback) flush(to Peer) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queued := l.pending[to]
	delete(l.pending, to)
	for _, init := range queued {
		if err := to.AddICECandidate(init); err != nil {
			l.logger.Warn("addIceCandidate failed", "to", to.Name(), "error", err)
			continue
		}
		l.relayed[l.other(to).Name()]++
	}
	if len(queued) > 0 {
		l.logger.Debug("flushed queued candidates", "peer", to.Name(), "count", len(queued))
	}
}

// setRemote applies a remote description and releases queued candidates
func (l *Loopback) setRemote(p Peer, desc webrtc.SessionDescription) error {
	if err := p.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%s setRemoteDescription(%s): %w", p.Name(), desc.Type, err)
	}
	l.flush(p)
	return nil
}

// Negotiate runs one offer/answer exchange:
// offerer createOffer, offerer setLocal, answerer setRemote, answerer
// createAnswer, offerer setRemote(answer), answerer setLocal(answer).
func (l *Loopback) Negotiate(ctx context.Context) (Exchange, error) {
	var ex Exchange

	offer, err := l.offerer.CreateOffer()
	if err != nil {
		return ex, fmt.Errorf("%s createOffer: %w", l.offerer.Name(), err)
	}
	ex.Offer = offer
	l.logger.Debug("offer created", "peer", l.offerer.Name(), "sdp", offer.SDP)

	if err := ctx.Err(); err != nil {
		return ex, err
	}

	if err := l.offerer.SetLocalDescription(offer); err != nil {
		return ex, fmt.Errorf("%s setLocalDescription(offer): %w", l.offerer.Name(), err)
	}
	if err := l.setRemote(l.answerer, offer); err != nil {
		return ex, err
	}

	if err := ctx.Err(); err != nil {
		return ex, err
	}

	answer, err := l.answerer.CreateAnswer()
	if err != nil {
		return ex, fmt.Errorf("%s createAnswer: %w", l.answerer.Name(), err)
	}
	ex.Answer = answer
	l.logger.Debug("answer created", "peer", l.answerer.Name(), "sdp", answer.SDP)

	if err := l.setRemote(l.offerer, answer); err != nil {
		return ex, err
	}
	if err := l.answerer.SetLocalDescription(answer); err != nil {
		return ex, fmt.Errorf("%s setLocalDescription(answer): %w", l.answerer.Name(), err)
	}

	return ex, nil
}

// Relayed returns how many candidates from the named peer were delivered
func (l *Loopback) Relayed(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relayed[name]
}

// Pending returns how many candidates are queued for the named peer
func (l *Loopback) Pending(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p, q := range l.pending {
		if p.Name() == name {
			return len(q)
		}
	}
	return 0
}
