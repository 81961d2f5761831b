package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/negotiate_timing_go/pkg/capture"
	"github.com/silviot/negotiate_timing_go/pkg/signaling"
	"github.com/silviot/negotiate_timing_go/pkg/webrtc"
)

// State is the call state that decides which actions are allowed
type State string

const (
	StateIdle   State = "idle"    // Nothing captured yet
	StateReady  State = "ready"   // Stream captured, no call
	StateInCall State = "in-call" // Peers connected
)

// Errors returned when an action is not allowed in the current state
var (
	ErrAlreadyStarted    = errors.New("stream already started")
	ErrNotStarted        = errors.New("stream not started")
	ErrCallActive        = errors.New("call already active")
	ErrNoCall            = errors.New("no active call")
	ErrRenegotiating     = errors.New("renegotiation in progress")
	ErrInvalidVideoCount = errors.New("invalid video section count")
)

// Reporter receives the lines shown on screen
type Reporter interface {
	Report(text string)
}

// RenegotiationResult is the outcome of one renegotiation
type RenegotiationResult struct {
	PreviousVideo   int           `json:"previousVideo"`
	CurrentVideo    int           `json:"currentVideo"`
	Added           int           `json:"added"`
	Stopped         int           `json:"stopped"`
	Elapsed         time.Duration `json:"elapsedNs"`
	AudioImpairment int64         `json:"audioImpairment"` // Concealed samples gained
	MeasurementTime time.Duration `json:"measurementNs"`
}

// String renders the on-screen result line
func (r RenegotiationResult) String() string {
	return fmt.Sprintf("Negotiation from %d to %d video transceivers took %.2f milliseconds, audio impairment %d",
		r.PreviousVideo, r.CurrentVideo, milliseconds(r.Elapsed), r.AudioImpairment)
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// StreamOpener acquires the local capture stream
type StreamOpener func(ctx context.Context, c capture.Constraints, s capture.Settings, logger *slog.Logger) (*capture.Stream, error)

// Config holds session configuration
type Config struct {
	Capture          capture.Settings
	Connection       webrtc.ConnectionConfig
	MaxVideoSections int
	MeasureDelay     time.Duration // Wait after negotiation before measuring impairment
	Reporter         Reporter
	OpenStream       StreamOpener // Defaults to capture.Open
	Logger           *slog.Logger
}

// call holds the handles of one active call
type call struct {
	mgr       *webrtc.Manager
	pc1       *webrtc.PeerConnection
	pc2       *webrtc.PeerConnection
	loopback  *signaling.Loopback
	startTime time.Time
}

// Session runs the start, call, renegotiate and hangup actions
type Session struct {
	cfg      Config
	logger   *slog.Logger
	reporter Reporter

	mu            sync.Mutex
	state         State
	renegotiating bool
	stream        *capture.Stream
	call          *call
	results       []RenegotiationResult

	// setupNanos is written from the pc2 reader goroutine, which must not
	// take mu: Hangup holds mu while waiting for that goroutine to exit
	setupNanos atomic.Int64
}

type nopReporter struct{}

func (nopReporter) Report(string) {}

// New creates a session in the idle state
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}
	if cfg.OpenStream == nil {
		cfg.OpenStream = capture.Open
	}
	if cfg.MaxVideoSections <= 0 {
		cfg.MaxVideoSections = 64
	}

	return &Session{
		cfg:      cfg,
		logger:   cfg.Logger,
		reporter: cfg.Reporter,
		state:    StateIdle,
	}
}

// Start acquires the local capture stream
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrAlreadyStarted
	}

	s.logger.Info("requesting local stream")
	stream, err := s.cfg.OpenStream(ctx, capture.Constraints{Audio: true, Video: true}, s.cfg.Capture, s.logger)
	if err != nil {
		return fmt.Errorf("failed to open local stream: %w", err)
	}
	s.logger.Info("received local stream", "streamID", stream.ID())

	s.stream = stream
	s.state = StateReady
	return nil
}

// Call connects pc1 and pc2 over loopback signaling and sends the local
// stream from pc1 to pc2
func (s *Session) Call(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		return ErrNotStarted
	case StateInCall:
		return ErrCallActive
	}

	s.logger.Info("starting call")
	c := &call{startTime: time.Now()}
	s.setupNanos.Store(0)

	if audioTracks := s.stream.AudioTracks(); len(audioTracks) > 0 {
		s.logger.Info("using audio device", "label", audioTracks[0].Label())
	}

	mgr, err := webrtc.NewManager(s.cfg.Connection, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create WebRTC manager: %w", err)
	}
	c.mgr = mgr

	if err := s.connect(ctx, c); err != nil {
		mgr.Close()
		return err
	}

	s.call = c
	s.state = StateInCall
	return nil
}

// connect builds both peers, wires the callbacks and runs the first exchange
func (s *Session) connect(ctx context.Context, c *call) error {
	var err error
	if c.pc1, err = c.mgr.CreatePeer(ctx, "pc1"); err != nil {
		return fmt.Errorf("failed to create pc1: %w", err)
	}
	s.logger.Info("created local peer connection object pc1")

	if c.pc2, err = c.mgr.CreatePeer(ctx, "pc2"); err != nil {
		return fmt.Errorf("failed to create pc2: %w", err)
	}
	s.logger.Info("created remote peer connection object pc2")

	c.loopback = signaling.NewLoopback(c.pc1, c.pc2, s.logger)

	var gotRemote sync.Once
	c.pc2.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		gotRemote.Do(func() {
			s.logger.Info("gotRemoteStream", "kind", track.Kind().String(), "streamID", track.StreamID())
		})
	})

	// The first video packet stands in for the first frame being rendered
	startTime := c.startTime
	c.pc2.OnFirstVideoPacket(func() {
		elapsed := time.Since(startTime)
		s.logger.Info("setup time", "ms", fmt.Sprintf("%.3f", milliseconds(elapsed)))
		s.setupNanos.Store(int64(elapsed))
	})

	for _, track := range s.stream.Tracks() {
		if _, err := c.pc1.AddTrack(track.Local()); err != nil {
			return fmt.Errorf("pc1: %w", err)
		}
	}
	s.logger.Info("added local stream to pc1")

	if _, err := c.loopback.Negotiate(ctx); err != nil {
		return fmt.Errorf("initial negotiation failed: %w", err)
	}
	s.logger.Info("set*Description(answer) complete")
	return nil
}

// Renegotiate sets pc1's video transceiver count to videoSections, runs a
// new offer/answer exchange and reports elapsed time and audio impairment
func (s *Session) Renegotiate(ctx context.Context, videoSections int) (RenegotiationResult, error) {
	if videoSections < 0 || videoSections > s.cfg.MaxVideoSections {
		return RenegotiationResult{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidVideoCount, videoSections, s.cfg.MaxVideoSections)
	}

	s.mu.Lock()
	if s.state != StateInCall {
		s.mu.Unlock()
		return RenegotiationResult{}, ErrNoCall
	}
	if s.renegotiating {
		s.mu.Unlock()
		return RenegotiationResult{}, ErrRenegotiating
	}
	s.renegotiating = true
	c := s.call
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.renegotiating = false
		s.mu.Unlock()
	}()

	result, err := s.renegotiate(ctx, c, videoSections)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()

	s.reporter.Report(result.String())
	return result, nil
}

func (s *Session) renegotiate(ctx context.Context, c *call, videoSections int) (RenegotiationResult, error) {
	var result RenegotiationResult

	adj, err := c.pc1.AdjustVideoTransceivers(videoSections)
	if err != nil {
		return result, err
	}
	result.Added = adj.Added
	result.Stopped = adj.Stopped

	baseline := c.pc2.AudioImpairment()
	s.logger.Debug("found impairment value", "concealedSamples", baseline)

	if result.PreviousVideo, err = c.pc2.NegotiatedVideoSections(); err != nil {
		return result, err
	}

	start := time.Now()
	if _, err := c.loopback.Negotiate(ctx); err != nil {
		return result, fmt.Errorf("renegotiation failed: %w", err)
	}
	result.Elapsed = time.Since(start)
	s.logger.Info("renegotiate finished", "ms", milliseconds(result.Elapsed))

	if result.CurrentVideo, err = c.pc2.NegotiatedVideoSections(); err != nil {
		return result, err
	}

	if s.cfg.MeasureDelay > 0 {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(s.cfg.MeasureDelay):
		}
	}

	measureStart := time.Now()
	now := c.pc2.AudioImpairment()
	result.AudioImpairment = int64(now) - int64(baseline)
	result.MeasurementTime = time.Since(measureStart)
	s.logger.Info("measurement took", "ms", milliseconds(result.MeasurementTime))

	ms := c.pc2.MeterStats()
	s.logger.Info("audio meter stats",
		"packetsReceived", ms.PacketsReceived,
		"packetsLost", ms.PacketsLost,
		"packetsDiscarded", ms.PacketsDiscarded,
		"underrunSamples", ms.UnderrunSamples,
		"concealedSamples", ms.ConcealedSamples)

	if rs, ok := c.pc2.AudioReceiverStats(); ok {
		s.logger.Info("audio receiver stats",
			"packetsReceived", rs.PacketsReceived,
			"packetsLost", rs.PacketsLost,
			"jitter", rs.Jitter)
	}

	return result, nil
}

// Hangup closes both peers and stops the video capture. Audio capture stays
// so the next call is audio only.
func (s *Session) Hangup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInCall {
		return ErrNoCall
	}
	if s.renegotiating {
		return ErrRenegotiating
	}

	s.logger.Info("ending call")
	if err := s.call.mgr.Close(); err != nil {
		s.logger.Error("failed to close peers", "error", err)
	}
	s.call = nil

	s.stream.StopVideo()

	s.state = StateReady
	return nil
}

// Close hangs up if needed and releases the capture stream
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.call != nil {
		s.call.mgr.Close()
		s.call = nil
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
	}
	s.state = StateIdle
	return nil
}

// Buttons says which actions are currently allowed
type Buttons struct {
	Start       bool `json:"start"`
	Call        bool `json:"call"`
	Renegotiate bool `json:"renegotiate"`
	Hangup      bool `json:"hangup"`
}

// Status is a snapshot of the session
type Status struct {
	State         State                `json:"state"`
	Renegotiating bool                 `json:"renegotiating"`
	Buttons       Buttons              `json:"buttons"`
	SetupTimeMs   float64              `json:"setupTimeMs,omitempty"`
	Renegotiated  int                  `json:"renegotiations"`
	Last          *RenegotiationResult `json:"last,omitempty"`
}

// Status returns the current session snapshot
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:         s.state,
		Renegotiating: s.renegotiating,
		Buttons: Buttons{
			Start:       s.state == StateIdle,
			Call:        s.state == StateReady,
			Renegotiate: s.state == StateInCall && !s.renegotiating,
			Hangup:      s.state == StateInCall && !s.renegotiating,
		},
		SetupTimeMs:  milliseconds(time.Duration(s.setupNanos.Load())),
		Renegotiated: len(s.results),
	}
	if n := len(s.results); n > 0 {
		last := s.results[n-1]
		st.Last = &last
	}
	return st
}

// Results returns every renegotiation result of this session
func (s *Session) Results() []RenegotiationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RenegotiationResult, len(s.results))
	copy(out, s.results)
	return out
}
