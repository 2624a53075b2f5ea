// File: internal/config/config_test.go
// Brief: Internal config package implementation for 'config'.

// config_test.go verifies Options defaults, flag binding, and validation.
package config

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	if opts.ListenAddr != ":5000" {
		t.Fatalf("listen default mismatch, got %s", opts.ListenAddr)
	}
	if opts.TailLines != 100 {
		t.Fatalf("tail default mismatch, got %d", opts.TailLines)
	}
	if opts.RoomBuffer != DefaultRoomBuffer {
		t.Fatalf("room buffer default mismatch, got %d", opts.RoomBuffer)
	}
	if !opts.Timestamps {
		t.Fatalf("timestamps should be enabled by default")
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestBindFlagsParsesValues(t *testing.T) {
	opts := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	names := opts.BindFlags(fs)
	names = append(names, opts.BindServerFlags(fs)...)
	names = append(names, opts.BindWatchFlags(fs)...)
	for _, name := range names {
		if fs.Lookup(name) == nil {
			t.Fatalf("flag %s was not registered", name)
		}
	}
	args := []string{
		"-n", "shop",
		"--tail", "-1",
		"--room-buffer", "32",
		"--demo",
		"--listen", "127.0.0.1:8080",
		"--allowed-origin", "https://a.example/, https://b.example",
		"--filter", "error|warn",
		"-H", "timeout",
		"--color", "NEVER",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if opts.Namespace != "shop" || opts.TailLines != -1 || opts.RoomBuffer != 32 || !opts.Demo {
		t.Fatalf("unexpected options %#v", opts)
	}
	if len(opts.AllowedOrigins) != 2 || opts.AllowedOrigins[0] != "https://a.example" {
		t.Fatalf("origins not normalized: %v", opts.AllowedOrigins)
	}
	if opts.FilterRegex == nil || !opts.FilterRegex.MatchString("a warning") {
		t.Fatalf("filter regex not compiled")
	}
	if len(opts.HighlightRegex) != 1 {
		t.Fatalf("expected one highlight regex, got %d", len(opts.HighlightRegex))
	}
	if opts.ColorMode != "never" {
		t.Fatalf("color mode not normalized, got %s", opts.ColorMode)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"empty listen", func(o *Options) { o.ListenAddr = " " }},
		{"listen without port", func(o *Options) { o.ListenAddr = "localhost" }},
		{"tail below -1", func(o *Options) { o.TailLines = -2 }},
		{"zero room buffer", func(o *Options) { o.RoomBuffer = 0 }},
		{"huge room buffer", func(o *Options) { o.RoomBuffer = maxRoomBuffer + 1 }},
		{"bad filter", func(o *Options) { o.Filter = "(" }},
		{"bad highlight", func(o *Options) { o.HighlightTerms = []string{"["} }},
		{"bad color", func(o *Options) { o.ColorMode = "sometimes" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			tt.mutate(opts)
			if err := opts.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestOriginAllowed(t *testing.T) {
	opts := NewOptions()
	if !opts.OriginAllowed("https://anything.example") {
		t.Fatalf("empty allow list should accept any origin")
	}
	opts.AllowedOrigins = []string{"https://dash.example"}
	if !opts.OriginAllowed("https://DASH.example/") {
		t.Fatalf("expected case-insensitive match")
	}
	if opts.OriginAllowed("https://evil.example") {
		t.Fatalf("unexpected origin accepted")
	}
	opts.AllowedOrigins = []string{"*"}
	if !opts.OriginAllowed("https://evil.example") {
		t.Fatalf("wildcard should accept any origin")
	}
}
