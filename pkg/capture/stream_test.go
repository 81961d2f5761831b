package capture

import (
	"context"
	"log/slog"
	"testing"

	"github.com/pion/webrtc/v4"
)

func testSettings() Settings {
	return Settings{
		Audio: AudioSettings{Label: "tone", ToneHz: 440, Amplitude: 0.3, CaptureRate: 48000, FrameDurationMs: 20},
		Video: VideoSettings{Label: "camera", Width: 320, Height: 240, FPS: 30, FrameSize: 600},
	}
}

func TestOpenRequiresAKind(t *testing.T) {
	if _, err := Open(context.Background(), Constraints{}, testSettings(), slog.Default()); err == nil {
		t.Error("expected error with no kinds requested")
	}
}

func TestOpenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Open(ctx, Constraints{Audio: true}, testSettings(), slog.Default()); err == nil {
		t.Error("expected error with cancelled context")
	}
}

func TestOpenAudioAndVideo(t *testing.T) {
	stream, err := Open(context.Background(), Constraints{Audio: true, Video: true}, testSettings(), slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	if stream.ID() == "" {
		t.Error("stream ID should not be empty")
	}
	if n := len(stream.Tracks()); n != 2 {
		t.Fatalf("tracks = %d, want 2", n)
	}

	audioTracks := stream.AudioTracks()
	if len(audioTracks) != 1 || audioTracks[0].Label() != "tone" {
		t.Errorf("unexpected audio tracks: %v", audioTracks)
	}
	if audioTracks[0].Local().Codec().MimeType != webrtc.MimeTypeOpus {
		t.Errorf("audio codec = %s", audioTracks[0].Local().Codec().MimeType)
	}
	if audioTracks[0].Local().StreamID() != stream.ID() {
		t.Error("audio track should carry the stream ID")
	}

	videoTracks := stream.VideoTracks()
	if len(videoTracks) != 1 || videoTracks[0].Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("unexpected video tracks: %v", videoTracks)
	}
}

func TestStopVideoKeepsAudio(t *testing.T) {
	stream, err := Open(context.Background(), Constraints{Audio: true, Video: true}, testSettings(), slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	video := stream.VideoTracks()[0]
	if n := stream.StopVideo(); n != 1 {
		t.Errorf("StopVideo = %d, want 1", n)
	}
	if !video.Stopped() {
		t.Error("video track should be stopped")
	}
	if len(stream.VideoTracks()) != 0 {
		t.Error("video track should be removed from the stream")
	}

	audioTracks := stream.AudioTracks()
	if len(audioTracks) != 1 || audioTracks[0].Stopped() {
		t.Error("audio track should keep running")
	}

	// Nothing left to stop
	if n := stream.StopVideo(); n != 0 {
		t.Errorf("second StopVideo = %d, want 0", n)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	stream, err := Open(context.Background(), Constraints{Audio: true, Video: true}, testSettings(), slog.Default())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	tracks := stream.Tracks()
	stream.Close()

	for _, tr := range tracks {
		if !tr.Stopped() {
			t.Errorf("%s track still running after Close", tr.Kind())
		}
		tr.Stop() // idempotent
	}
	if len(stream.Tracks()) != 0 {
		t.Error("stream should be empty after Close")
	}
}
