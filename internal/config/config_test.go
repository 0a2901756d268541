package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PHYSSYNC_CONFIG", "PHYSSYNC_ADDR", "PHYSSYNC_COMPRESSION", "PHYSSYNC_MAX_FRAME_BYTES",
		"PHYSSYNC_INTERP_DELAY", "PHYSSYNC_VIEW_DISTANCE", "PHYSSYNC_SIMULATION_HZ",
		"PHYSSYNC_BUFFER_MIN_COUNT", "PHYSSYNC_BUFFER_MAX_COUNT", "PHYSSYNC_PING_INTERVAL",
		"PHYSSYNC_CLOCK_SMOOTHING", "PHYSSYNC_LOG_COMPRESS", "PHYSSYNC_ADMIN_TOKEN",
		"PHYSSYNC_TIMESYNC_INTERVAL", "PHYSSYNC_MAX_VIEW_DISTANCE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.Sync.Compression != DefaultCompression {
		t.Fatalf("expected default compression %q, got %q", DefaultCompression, cfg.Sync.Compression)
	}
	if cfg.Interpolation.Delay != DefaultInterpolationDelay {
		t.Fatalf("expected default delay %v, got %v", DefaultInterpolationDelay, cfg.Interpolation.Delay)
	}
	if cfg.Interpolation.ClockSmoothing != DefaultClockSmoothing {
		t.Fatalf("expected smoothing %v, got %v", DefaultClockSmoothing, cfg.Interpolation.ClockSmoothing)
	}
	if cfg.Sync.MaxViewDistance != DefaultMaxViewDistance {
		t.Fatalf("expected max view distance %d, got %d", DefaultMaxViewDistance, cfg.Sync.MaxViewDistance)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHYSSYNC_ADDR", "127.0.0.1:9000")
	t.Setenv("PHYSSYNC_COMPRESSION", "SNAPPY")
	t.Setenv("PHYSSYNC_MAX_FRAME_BYTES", "4096")
	t.Setenv("PHYSSYNC_INTERP_DELAY", "150ms")
	t.Setenv("PHYSSYNC_VIEW_DISTANCE", "4")
	t.Setenv("PHYSSYNC_ADMIN_TOKEN", " ops ")
	t.Setenv("PHYSSYNC_TIMESYNC_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.Sync.Compression != "snappy" {
		t.Fatalf("expected lower-cased compression, got %q", cfg.Sync.Compression)
	}
	if cfg.Sync.MaxFrameBytes != 4096 {
		t.Fatalf("expected max frame bytes 4096, got %d", cfg.Sync.MaxFrameBytes)
	}
	if cfg.Interpolation.Delay != 150*time.Millisecond {
		t.Fatalf("expected delay 150ms, got %v", cfg.Interpolation.Delay)
	}
	if cfg.Sync.ViewDistance != 4 {
		t.Fatalf("expected view distance 4, got %d", cfg.Sync.ViewDistance)
	}
	if cfg.AdminToken != "ops" || cfg.TimeSyncInterval != 250*time.Millisecond {
		t.Fatalf("unexpected admin token %q or timesync interval %v", cfg.AdminToken, cfg.TimeSyncInterval)
	}
}

func TestLoadYAMLOverlayLosesToEnvironment(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "physsync.yaml")
	body := "address: \":7000\"\nsync:\n  view_distance: 3\n  compression: gzip\ninterpolation:\n  delay: 80ms\n" +
		"terrain:\n  ground_height: -2\n  obstacles:\n    - center: [10, 0, 4]\n      radius: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PHYSSYNC_CONFIG", path)
	t.Setenv("PHYSSYNC_VIEW_DISTANCE", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != ":7000" {
		t.Fatalf("expected address from file, got %q", cfg.Address)
	}
	if cfg.Sync.Compression != "gzip" {
		t.Fatalf("expected gzip from file, got %q", cfg.Sync.Compression)
	}
	if cfg.Interpolation.Delay != 80*time.Millisecond {
		t.Fatalf("expected 80ms delay from file, got %v", cfg.Interpolation.Delay)
	}
	if cfg.Sync.ViewDistance != 6 {
		t.Fatalf("expected environment to win, got %d", cfg.Sync.ViewDistance)
	}
	if cfg.Sync.MaxFrameBytes != DefaultMaxFrameBytes {
		t.Fatalf("expected untouched default, got %d", cfg.Sync.MaxFrameBytes)
	}
	if cfg.Terrain.GroundHeight != -2 || len(cfg.Terrain.Obstacles) != 1 {
		t.Fatalf("unexpected terrain %+v", cfg.Terrain)
	}
	if o := cfg.Terrain.Obstacles[0]; o.Center != [3]float64{10, 0, 4} || o.Radius != 3 {
		t.Fatalf("unexpected obstacle %+v", o)
	}
}

func TestLoadRejectsDegenerateObstacle(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "physsync.yaml")
	if err := os.WriteFile(path, []byte("terrain:\n  obstacles:\n    - center: [0, 0, 0]\n      radius: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PHYSSYNC_CONFIG", path)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "terrain obstacle 0") {
		t.Fatalf("expected obstacle validation error, got %v", err)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHYSSYNC_PING_INTERVAL", "abc")
	t.Setenv("PHYSSYNC_COMPRESSION", "lz4")
	t.Setenv("PHYSSYNC_BUFFER_MIN_COUNT", "10")
	t.Setenv("PHYSSYNC_BUFFER_MAX_COUNT", "4")
	t.Setenv("PHYSSYNC_LOG_COMPRESS", "maybe")
	t.Setenv("PHYSSYNC_VIEW_DISTANCE", "40")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, fragment := range []string{"PHYSSYNC_PING_INTERVAL", "compression", "buffer_min_count", "PHYSSYNC_LOG_COMPRESS", "exceeds max_view_distance"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected error to mention %s, got %v", fragment, err)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PHYSSYNC_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
