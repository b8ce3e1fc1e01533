package main

import (
	"testing"
	"time"

	"github.com/theNetworkChuck/claude-phone-sub000/core/audio"
	"github.com/theNetworkChuck/claude-phone-sub000/core/backends"
	"github.com/theNetworkChuck/claude-phone-sub000/internal/config"
)

func TestMediaEncoding(t *testing.T) {
	enc, err := mediaEncoding(config.Config{MediaEncoding: "PCMA", MediaSampleRate: 8000})
	if err != nil {
		t.Fatalf("mediaEncoding() error = %v", err)
	}
	if enc.Format != audio.EncodingALaw || enc.SampleRate != 8000 {
		t.Fatalf("unexpected encoding %+v", enc)
	}

	if _, err := mediaEncoding(config.Config{MediaEncoding: "opus", MediaSampleRate: 48000}); err == nil {
		t.Fatalf("expected error for unsupported encoding")
	}
}

func TestLoadRegistryWithoutFileHasDefault(t *testing.T) {
	registry, err := loadRegistry(config.Config{})
	if err != nil {
		t.Fatalf("loadRegistry() error = %v", err)
	}
	if got := registry.Default(); got.DialedAddress != "9000" {
		t.Fatalf("default device = %+v", got)
	}
}

func TestBackendConfigCarriesSettings(t *testing.T) {
	cfg := backendConfig(config.Config{
		BackendKind:    "cli-file",
		CLICommand:     "codex",
		CLIArgs:        []string{"exec"},
		HTTPProvider:   "gemini",
		BackendTimeout: 12 * time.Second,
	})
	if cfg.Kind != backends.KindFileCLI {
		t.Fatalf("Kind = %q, want %q", cfg.Kind, backends.KindFileCLI)
	}
	if cfg.CLI.Command != "codex" || len(cfg.CLI.Args) != 1 {
		t.Fatalf("unexpected CLI config %+v", cfg.CLI)
	}
	if cfg.HTTP.Provider != "gemini" || cfg.DefaultTimeout != 12*time.Second {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
