package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Manager creates and tracks the peer connections of one call
type Manager struct {
	config        *webrtc.Configuration
	connConfig    ConnectionConfig
	logger        *slog.Logger
	loggerFactory logging.LoggerFactory
	peers         map[string]*PeerConnection
	mu            sync.Mutex
}

// PeerConnection wraps a pion PeerConnection with the bookkeeping the
// renegotiation measurements need
type PeerConnection struct {
	name     string
	peerConn *webrtc.PeerConnection
	logger   *slog.Logger

	meter *ConcealmentMeter

	mu                  sync.Mutex
	statsGetter         stats.Getter
	audioSSRC           webrtc.SSRC
	stoppedTransceivers map[*webrtc.RTPTransceiver]struct{}
	onRemoteTrack       func(*webrtc.TrackRemote)
	onFirstVideo        func()
	firstVideo          sync.Once

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a new WebRTC manager
func NewManager(cfg ConnectionConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PlayoutDelay == 0 {
		cfg.PlayoutDelay = DefaultPlayoutDelay
	}

	rtcConfig := webrtc.Configuration{}

	for _, stunURL := range cfg.STUN {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs: []string{stunURL},
		})
	}

	return &Manager{
		config:        &rtcConfig,
		connConfig:    cfg,
		logger:        logger,
		loggerFactory: NewLoggerFactory(logger),
		peers:         make(map[string]*PeerConnection),
	}, nil
}

// newAPI builds a pion API for one peer. Each peer gets its own interceptor
// registry so the stats getter maps to exactly one connection.
func (m *Manager) newAPI(onStats func(stats.Getter)) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pliFactory)

	statsFactory, err := stats.NewInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create stats interceptor: %w", err)
	}
	statsFactory.OnNewPeerConnection(func(_ string, getter stats.Getter) {
		onStats(getter)
	})
	registry.Add(statsFactory)

	// Increased buffer sizes avoid "mux: failed to read from packetio.Buffer short buffer"
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	se.LoggerFactory = m.loggerFactory
	if m.connConfig.LoopbackOnly {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.IsLoopback()
		})
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// CreatePeer creates a new peer connection registered under name
func (m *Manager) CreatePeer(ctx context.Context, name string) (*PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers[name]; exists {
		return nil, fmt.Errorf("peer already exists: %s", name)
	}

	peer := &PeerConnection{
		name:                name,
		logger:              m.logger.With("peer", name),
		meter:               NewConcealmentMeter(48000, m.connConfig.PlayoutDelay),
		stoppedTransceivers: make(map[*webrtc.RTPTransceiver]struct{}),
		closeCh:             make(chan struct{}),
	}

	api, err := m.newAPI(peer.setStatsGetter)
	if err != nil {
		return nil, err
	}

	peerConn, err := api.NewPeerConnection(*m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "peer", name, "error", err)
		return nil, err
	}
	peer.peerConn = peerConn

	peerConn.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		peer.onTrack(remoteTrack, receiver)
	})

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		peer.logger.Info("ICE state change", "state", state.String())
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		peer.logger.Info("peer connection state changed", "state", state.String())
	})

	m.peers[name] = peer
	m.logger.Info("peer connection created", "peer", name)

	return peer, nil
}

func (p *PeerConnection) setStatsGetter(g stats.Getter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsGetter = g
}

// Name returns the peer's name (pc1, pc2)
func (p *PeerConnection) Name() string {
	return p.name
}

// OnRemoteTrack sets a callback fired for each remote track
func (p *PeerConnection) OnRemoteTrack(cb func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemoteTrack = cb
}

// OnFirstVideoPacket sets a callback fired once, when the first remote video
// packet arrives
func (p *PeerConnection) OnFirstVideoPacket(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFirstVideo = cb
}

// onTrack starts a reader for each incoming track
func (p *PeerConnection) onTrack(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	codec := remoteTrack.Codec()
	p.logger.Info("track received",
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"kind", remoteTrack.Kind().String(),
		"streamID", remoteTrack.StreamID(),
	)

	p.mu.Lock()
	cb := p.onRemoteTrack
	if remoteTrack.Kind() == webrtc.RTPCodecTypeAudio && p.audioSSRC == 0 {
		p.audioSSRC = remoteTrack.SSRC()
		if codec.ClockRate > 0 {
			p.meter = NewConcealmentMeter(codec.ClockRate, p.meter.playoutDelay)
		}
	}
	p.mu.Unlock()

	if cb != nil {
		cb(remoteTrack)
	}

	if !p.startWorker() {
		return
	}
	go p.readTrack(remoteTrack)
}

// startWorker registers a goroutine with wg unless the peer is closing.
// Close flips closeCh under mu before it waits, so no Add can race the Wait.
func (p *PeerConnection) startWorker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isClosed() {
		return false
	}
	p.wg.Add(1)
	return true
}

// readTrack drains RTP from a remote track. Audio packets feed the meter,
// the first video packet fires the first-video callback.
func (p *PeerConnection) readTrack(track *webrtc.TrackRemote) {
	defer p.wg.Done()

	isAudio := track.Kind() == webrtc.RTPCodecTypeAudio
	p.mu.Lock()
	meter := p.meter
	p.mu.Unlock()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.isClosed() {
				p.logger.Debug("track reader stopped", "kind", track.Kind().String(), "error", err)
			}
			return
		}

		if isAudio {
			meter.Observe(pkt, time.Now())
			continue
		}

		p.firstVideo.Do(func() {
			p.mu.Lock()
			cb := p.onFirstVideo
			p.mu.Unlock()
			if cb != nil {
				cb()
			}
		})
	}
}

func (p *PeerConnection) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

// AddTrack adds a local track and drains RTCP from its sender
func (p *PeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := p.peerConn.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	if !p.startWorker() {
		return sender, nil
	}
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return sender, nil
}

// AudioImpairment returns the concealed sample count of the received audio
func (p *PeerConnection) AudioImpairment() uint64 {
	p.mu.Lock()
	meter := p.meter
	p.mu.Unlock()
	return meter.ConcealedSamples()
}

// MeterStats returns the full meter snapshot
func (p *PeerConnection) MeterStats() MeterStats {
	p.mu.Lock()
	meter := p.meter
	p.mu.Unlock()
	return meter.Stats()
}

// AudioReceiverStats returns interceptor stats for the received audio stream.
// ok is false until audio has arrived.
func (p *PeerConnection) AudioReceiverStats() (ReceiverStats, bool) {
	p.mu.Lock()
	getter := p.statsGetter
	ssrc := p.audioSSRC
	p.mu.Unlock()

	if getter == nil || ssrc == 0 {
		return ReceiverStats{}, false
	}
	s := getter.Get(uint32(ssrc))
	if s == nil {
		return ReceiverStats{}, false
	}
	return ReceiverStats{
		PacketsReceived: s.InboundRTPStreamStats.PacketsReceived,
		PacketsLost:     s.InboundRTPStreamStats.PacketsLost,
		Jitter:          s.InboundRTPStreamStats.Jitter,
	}, true
}

// CreateOffer creates an SDP offer
func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.peerConn.CreateOffer(nil)
}

// CreateAnswer creates an SDP answer for the current remote offer
func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.peerConn.CreateAnswer(nil)
}

// SetLocalDescription applies a local description
func (p *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.peerConn.SetLocalDescription(desc)
}

// SetRemoteDescription applies a remote description
func (p *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.peerConn.SetRemoteDescription(desc)
}

// HasRemoteDescription reports whether a remote description is set
func (p *PeerConnection) HasRemoteDescription() bool {
	return p.peerConn.RemoteDescription() != nil
}

// AddICECandidate adds a remote ICE candidate
func (p *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.peerConn.AddICECandidate(candidate)
}

// OnICECandidate sets the handler for locally gathered candidates. A nil
// candidate marks the end of gathering.
func (p *PeerConnection) OnICECandidate(cb func(*webrtc.ICECandidate)) {
	p.peerConn.OnICECandidate(cb)
}

// Close closes the peer connection and waits for its readers
func (p *PeerConnection) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		close(p.closeCh)
		p.mu.Unlock()
		if p.peerConn != nil {
			err = p.peerConn.Close()
		}
		p.wg.Wait()
	})
	return err
}

// Close closes all peer connections
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, peer := range m.peers {
		if err := peer.Close(); err != nil {
			m.logger.Error("failed to close peer during shutdown", "peer", name, "error", err)
		}
	}
	m.peers = make(map[string]*PeerConnection)

	return nil
}
