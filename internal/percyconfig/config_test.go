package percyconfig

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PERCY_PORT")
	os.Unsetenv("PERCY_LOGLEVEL")

	cfg, err := Load("/nonexistent/percy.yaml")
	if err == nil {
		t.Fatalf("Load() with an explicit missing file should error, got cfg=%+v", cfg)
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if !cfg.Server {
		t.Error("Server = false, want true (default)")
	}
	if cfg.Port != 5338 {
		t.Errorf("Port = %d, want 5338", cfg.Port)
	}
	if cfg.QueueConcurrency() != 10 {
		t.Errorf("QueueConcurrency() = %d, want 10", cfg.QueueConcurrency())
	}
}

func TestNormalize_DryRunImpliesSkipAndDefer(t *testing.T) {
	tests := []struct {
		name             string
		in               Config
		wantSkipUploads  bool
		wantDeferUploads bool
	}{
		{"plain", Config{}, false, false},
		{"dryRun", Config{DryRun: true}, true, true},
		{"skipUploads only", Config{SkipUploads: true}, true, true},
		{"deferUploads only", Config{DeferUploads: true}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.SkipUploads != tt.wantSkipUploads {
				t.Errorf("SkipUploads = %v, want %v", got.SkipUploads, tt.wantSkipUploads)
			}
			if got.DeferUploads != tt.wantDeferUploads {
				t.Errorf("DeferUploads = %v, want %v", got.DeferUploads, tt.wantDeferUploads)
			}
		})
	}
}

func TestMerge_OverridesNonZeroFieldsOnly(t *testing.T) {
	base := Config{LogLevel: "info", Port: 5338, Token: "base-token"}
	override := Config{Port: 6000}

	merged := base.Merge(override)
	if merged.Port != 6000 {
		t.Errorf("Port = %d, want 6000 (overridden)", merged.Port)
	}
	if merged.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info (unchanged)", merged.LogLevel)
	}
	if merged.Token != "base-token" {
		t.Errorf("Token = %q, want base-token (unchanged)", merged.Token)
	}
}

func TestQueueConcurrency_RespectsExplicitValue(t *testing.T) {
	cfg := Config{Discovery: DiscoveryConfig{Concurrency: 4}}
	if cfg.QueueConcurrency() != 4 {
		t.Errorf("QueueConcurrency() = %d, want 4", cfg.QueueConcurrency())
	}
}
