package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the service configuration
type Config struct {
	Port     string `toml:"port"`
	LogLevel string `toml:"log_level"`

	// Sequence is the list of video section targets used by run mode
	Sequence []int `toml:"sequence"`

	MaxVideoSections int      `toml:"max_video_sections"`
	STUN             []string `toml:"stun"`
	LoopbackOnly     bool     `toml:"loopback_only"`

	Audio AudioConfig `toml:"audio"`
	Video VideoConfig `toml:"video"`

	PlayoutDelay Duration `toml:"playout_delay"` // Receiver buffer target used by the concealment meter
	MeasureDelay Duration `toml:"measure_delay"` // Wait after renegotiation before measuring impairment
}

// AudioConfig describes the synthetic audio capture
type AudioConfig struct {
	Label         string  `toml:"label"`
	ToneHz        float64 `toml:"tone_hz"`
	Amplitude     float64 `toml:"amplitude"`
	CaptureRate   int     `toml:"capture_rate"` // Tone generation rate, resampled to 48kHz for Opus
	FrameDuration int     `toml:"frame_ms"`
}

// VideoConfig describes the synthetic video capture
type VideoConfig struct {
	Label     string `toml:"label"`
	Width     int    `toml:"width"`
	Height    int    `toml:"height"`
	FPS       int    `toml:"fps"`
	FrameSize int    `toml:"frame_bytes"`
}

// Duration wraps time.Duration so it can be written as "60ms" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Port:             "8080",
		LogLevel:         "info",
		Sequence:         []int{1, 4, 16, 1},
		MaxVideoSections: 64,
		LoopbackOnly:     true,
		Audio: AudioConfig{
			Label:         "Synthetic tone",
			ToneHz:        440,
			Amplitude:     0.3,
			CaptureRate:   48000,
			FrameDuration: 20,
		},
		Video: VideoConfig{
			Label:     "Synthetic camera",
			Width:     640,
			Height:    480,
			FPS:       30,
			FrameSize: 1200,
		},
		PlayoutDelay: Duration{60 * time.Millisecond},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overrides fields from environment variables
func (c *Config) applyEnv(getenv func(string) string) error {
	if p := getenv("APP_PORT"); p != "" {
		c.Port = p
	} else if p := getenv("PORT"); p != "" {
		c.Port = p
	}
	if ll := getenv("LOG_LEVEL"); ll != "" {
		c.LogLevel = ll
	}
	if s := getenv("NT_SEQUENCE"); s != "" {
		seq, err := ParseSequence(s)
		if err != nil {
			return fmt.Errorf("NT_SEQUENCE: %w", err)
		}
		c.Sequence = seq
	}
	if s := getenv("NT_STUN"); s != "" {
		c.STUN = strings.Split(s, ",")
	}
	if d := getenv("NT_PLAYOUT_DELAY"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("NT_PLAYOUT_DELAY: %w", err)
		}
		c.PlayoutDelay.Duration = v
	}
	if d := getenv("NT_MEASURE_DELAY"); d != "" {
		v, err := time.ParseDuration(d)
		if err != nil {
			return fmt.Errorf("NT_MEASURE_DELAY: %w", err)
		}
		c.MeasureDelay.Duration = v
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.MaxVideoSections < 0 {
		return fmt.Errorf("max_video_sections must not be negative: %d", c.MaxVideoSections)
	}
	for _, n := range c.Sequence {
		if n < 0 || n > c.MaxVideoSections {
			return fmt.Errorf("sequence entry %d outside [0, %d]", n, c.MaxVideoSections)
		}
	}
	if c.Audio.CaptureRate <= 0 {
		return fmt.Errorf("invalid audio capture rate: %d", c.Audio.CaptureRate)
	}
	// Opus accepts 2.5, 5, 10, 20, 40 and 60ms frames; the fractional size is not offered here
	switch c.Audio.FrameDuration {
	case 5, 10, 20, 40, 60:
	default:
		return fmt.Errorf("invalid audio frame duration: %dms", c.Audio.FrameDuration)
	}
	if c.Video.FPS <= 0 {
		return fmt.Errorf("invalid video fps: %d", c.Video.FPS)
	}
	if c.PlayoutDelay.Duration < 0 || c.MeasureDelay.Duration < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	return nil
}

// ParseSequence parses a comma separated list such as "1,4,16,1"
func ParseSequence(s string) ([]int, error) {
	var seq []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid sequence entry %q: %w", part, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("negative sequence entry: %d", n)
		}
		seq = append(seq, n)
	}
	return seq, nil
}
