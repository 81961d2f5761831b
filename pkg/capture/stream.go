package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/negotiate_timing_go/pkg/audio"
)

// opusSampleRate is the RTP clock and encoder rate for Opus
const opusSampleRate = 48000

// Constraints selects which tracks Open captures
type Constraints struct {
	Audio bool
	Video bool
}

// AudioSettings configures the synthetic microphone
type AudioSettings struct {
	Label           string
	ToneHz          float64
	Amplitude       float64
	CaptureRate     int
	FrameDurationMs int
}

// VideoSettings configures the synthetic camera
type VideoSettings struct {
	Label     string
	Width     int
	Height    int
	FPS       int
	FrameSize int // Payload bytes per frame
}

// Settings holds the capture settings for both kinds
type Settings struct {
	Audio AudioSettings
	Video VideoSettings
}

// Track is one captured track feeding a local WebRTC track
type Track struct {
	kind    webrtc.RTPCodecType
	label   string
	local   *webrtc.TrackLocalStaticSample
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Kind returns the media kind of the track
func (t *Track) Kind() webrtc.RTPCodecType {
	return t.kind
}

// Label returns the device label
func (t *Track) Label() string {
	return t.label
}

// Local returns the pion track to hand to a peer connection
func (t *Track) Local() *webrtc.TrackLocalStaticSample {
	return t.local
}

// Stop ends capture on this track. It is safe to call more than once.
func (t *Track) Stop() {
	t.stopped.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

// Stopped reports whether Stop has been called
func (t *Track) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Stream is the local capture stream: a synthetic tone and a synthetic camera
type Stream struct {
	id       string
	settings Settings
	logger   *slog.Logger
	tracks   []*Track
	mu       sync.Mutex
}

// Open acquires a capture stream for the given constraints and starts the
// capture pumps.
func Open(ctx context.Context, c Constraints, s Settings, logger *slog.Logger) (*Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !c.Audio && !c.Video {
		return nil, errors.New("at least one of audio or video must be requested")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &Stream{
		id:       uuid.NewString(),
		settings: s,
		logger:   logger,
	}

	if c.Audio {
		t, err := stream.openAudio()
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to open audio capture: %w", err)
		}
		stream.tracks = append(stream.tracks, t)
	}

	if c.Video {
		t, err := stream.openVideo()
		if err != nil {
			stream.Close()
			return nil, fmt.Errorf("failed to open video capture: %w", err)
		}
		stream.tracks = append(stream.tracks, t)
	}

	logger.Info("capture stream opened", "streamID", stream.id, "tracks", len(stream.tracks))
	return stream, nil
}

func newTrack(kind webrtc.RTPCodecType, label, mimeType, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		kind.String()+"-"+uuid.NewString(),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	return &Track{
		kind:   kind,
		label:  label,
		local:  local,
		stopCh: make(chan struct{}),
	}, nil
}

// openAudio starts the tone pump: tone -> pipeline -> Opus -> track
func (s *Stream) openAudio() (*Track, error) {
	cfg := s.settings.Audio
	if cfg.FrameDurationMs <= 0 {
		cfg.FrameDurationMs = 20
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = opusSampleRate
	}

	pipe, err := audio.NewPipeline(cfg.CaptureRate, opusSampleRate, cfg.FrameDurationMs, s.logger)
	if err != nil {
		return nil, err
	}

	encoder, err := opus.NewEncoder(opusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", err)
	}

	track, err := newTrack(webrtc.RTPCodecTypeAudio, cfg.Label, webrtc.MimeTypeOpus, s.id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("local audio settings",
		"captureRate", cfg.CaptureRate,
		"frameMs", cfg.FrameDurationMs,
		"frameSamples", pipe.FrameSize())

	tone := audio.NewTone(cfg.ToneHz, cfg.Amplitude, cfg.CaptureRate)
	frameDuration := time.Duration(cfg.FrameDurationMs) * time.Millisecond
	captureSamples := cfg.CaptureRate * cfg.FrameDurationMs / 1000

	track.wg.Add(1)
	go func() {
		defer track.wg.Done()

		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		// Max Opus packet is 1275 bytes per frame
		packet := make([]byte, 1500)
		for {
			select {
			case <-track.stopCh:
				return
			case <-ticker.C:
			}

			frames, err := pipe.Process(tone.Next(captureSamples))
			if err != nil {
				s.logger.Error("audio pipeline failed", "error", err)
				continue
			}
			for _, pcm := range frames {
				n, err := encoder.Encode(pcm, packet)
				if err != nil {
					s.logger.Error("opus encode failed", "error", err)
					continue
				}
				data := make([]byte, n)
				copy(data, packet[:n])
				if err := track.local.WriteSample(pionmedia.Sample{Data: data, Duration: frameDuration}); err != nil {
					s.logger.Debug("audio sample write failed", "error", err)
				}
			}
		}
	}()

	return track, nil
}

// openVideo starts the camera pump. Frames are opaque filler payloads:
// the receiver measures arrival, it never decodes.
func (s *Stream) openVideo() (*Track, error) {
	cfg := s.settings.Video
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = 1200
	}

	track, err := newTrack(webrtc.RTPCodecTypeVideo, cfg.Label, webrtc.MimeTypeVP8, s.id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("local video dimensions", "videoWidth", cfg.Width, "videoHeight", cfg.Height)

	frameDuration := time.Second / time.Duration(cfg.FPS)

	track.wg.Add(1)
	go func() {
		defer track.wg.Done()

		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		var frameNum byte
		for {
			select {
			case <-track.stopCh:
				return
			case <-ticker.C:
			}

			frame := make([]byte, cfg.FrameSize)
			frame[0] = frameNum
			frameNum++
			if err := track.local.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				s.logger.Debug("video sample write failed", "error", err)
			}
		}
	}()

	return track, nil
}

// ID returns the stream ID used as msid on the wire
func (s *Stream) ID() string {
	return s.id
}

// Tracks returns all tracks still in the stream
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks in the stream
func (s *Stream) AudioTracks() []*Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeAudio)
}

// VideoTracks returns the video tracks in the stream
func (s *Stream) VideoTracks() []*Track {
	return s.tracksOfKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) tracksOfKind(kind webrtc.RTPCodecType) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// RemoveTrack drops a track from the stream without stopping it
func (s *Stream) RemoveTrack(track *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == track {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// StopVideo stops every video track and removes it from the stream.
// Audio keeps flowing.
func (s *Stream) StopVideo() int {
	videoTracks := s.VideoTracks()
	for _, t := range videoTracks {
		t.Stop()
		s.RemoveTrack(t)
	}
	if len(videoTracks) > 0 {
		s.logger.Info("video tracks stopped", "streamID", s.id, "count", len(videoTracks))
	}
	return len(videoTracks)
}

// Close stops all tracks
func (s *Stream) Close() error {
	for _, t := range s.Tracks() {
		t.Stop()
	}
	s.mu.Lock()
	s.tracks = nil
	s.mu.Unlock()
	return nil
}
