package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSequence(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []int
		wantErr bool
	}{
		{name: "simple", input: "1,4,16,1", want: []int{1, 4, 16, 1}},
		{name: "spaces", input: " 0 , 2 ", want: []int{0, 2}},
		{name: "trailing comma", input: "3,", want: []int{3}},
		{name: "not a number", input: "1,x", wantErr: true},
		{name: "negative", input: "-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSequence(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("entry %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
port = "9090"
sequence = [2, 8]
playout_delay = "80ms"

[video]
fps = 15
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != "9090" && os.Getenv("APP_PORT") == "" && os.Getenv("PORT") == "" {
		t.Errorf("port = %s, want 9090", cfg.Port)
	}
	if cfg.Video.FPS != 15 {
		t.Errorf("fps = %d, want 15", cfg.Video.FPS)
	}
	// Untouched fields keep their defaults
	if cfg.Video.Width != 640 {
		t.Errorf("width = %d, want default 640", cfg.Video.Width)
	}
	if cfg.PlayoutDelay.Duration != 80*time.Millisecond {
		t.Errorf("playout delay = %v, want 80ms", cfg.PlayoutDelay.Duration)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":             "7000",
		"LOG_LEVEL":        "debug",
		"NT_SEQUENCE":      "0,3",
		"NT_MEASURE_DELAY": "250ms",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}

	if cfg.Port != "7000" {
		t.Errorf("port = %s, want 7000", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %s, want debug", cfg.LogLevel)
	}
	if len(cfg.Sequence) != 2 || cfg.Sequence[1] != 3 {
		t.Errorf("sequence = %v, want [0 3]", cfg.Sequence)
	}
	if cfg.MeasureDelay.Duration != 250*time.Millisecond {
		t.Errorf("measure delay = %v, want 250ms", cfg.MeasureDelay.Duration)
	}
}

func TestApplyEnvAppPortWins(t *testing.T) {
	env := map[string]string{"APP_PORT": "1", "PORT": "2"}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "1" {
		t.Errorf("port = %s, want APP_PORT value", cfg.Port)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	bad := Default()
	bad.Sequence = []int{bad.MaxVideoSections + 1}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for sequence above max")
	}

	bad = Default()
	bad.Audio.FrameDuration = 7
	if err := bad.Validate(); err == nil {
		t.Error("expected error for unsupported frame duration")
	}
}
