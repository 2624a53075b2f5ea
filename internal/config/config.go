// File: internal/config/config.go
// Brief: Internal config package implementation for 'config'.

// Package config defines the flag plumbing and runtime options shared by
// kpane's commands, translating Cobra/Viper flag values into a strongly typed
// struct that the server and the terminal client consume.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/spf13/pflag"
)

const (
	// DefaultListenAddr matches the port the dashboard has always used.
	DefaultListenAddr = ":5000"
	DefaultTailLines  = 100
	DefaultRoomBuffer = 256
	maxRoomBuffer     = 1 << 16
)

// Options holds all CLI configuration.
type Options struct {
	Namespace      string
	ListenAddr     string
	TailLines      int64
	RoomBuffer     int
	Demo           bool
	Timestamps     bool
	AllowedOrigins []string
	KubeConfigPath string
	Context        string

	// Terminal client settings.
	Filter         string
	FilterRegex    *regexp.Regexp
	HighlightTerms []string
	HighlightRegex []*regexp.Regexp
	ColorMode      string
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		ListenAddr: DefaultListenAddr,
		TailLines:  DefaultTailLines,
		RoomBuffer: DefaultRoomBuffer,
		Timestamps: true,
		ColorMode:  "auto",
	}
}

// BindFlags attaches the flags shared by every streaming command and returns
// their names.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.Namespace, "namespace", "n", o.Namespace, "Kubernetes namespace to open. Defaults to the context namespace")
	names = append(names, "namespace")
	fs.Int64VarP(&o.TailLines, "tail", "t", o.TailLines, "Number of historic log lines each pane starts with, -1 for all available")
	names = append(names, "tail")
	fs.IntVar(&o.RoomBuffer, "room-buffer", o.RoomBuffer, "Events buffered per pane before the oldest are dropped for a slow client")
	names = append(names, "room-buffer")
	fs.BoolVar(&o.Demo, "demo", o.Demo, "Serve an in-memory mock cluster with synthetic logs instead of a real cluster")
	names = append(names, "demo")
	fs.BoolVarP(&o.Timestamps, "timestamps", "T", o.Timestamps, "Ask the kubelet for line timestamps and use them as production time")
	names = append(names, "timestamps")
	return names
}

// BindServerFlags attaches the HTTP server flags and returns their names.
func (o *Options) BindServerFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVar(&o.ListenAddr, "listen", o.ListenAddr, "Address the dashboard listens on")
	names = append(names, "listen")
	fs.StringSliceVar(&o.AllowedOrigins, "allowed-origin", o.AllowedOrigins, "Origins allowed to open a websocket session (repeatable, empty allows any)")
	names = append(names, "allowed-origin")
	return names
}

// BindWatchFlags attaches the terminal client flags and returns their names.
func (o *Options) BindWatchFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVarP(&o.Filter, "filter", "f", o.Filter, "Only print lines matching this regular expression")
	names = append(names, "filter")
	fs.StringArrayVarP(&o.HighlightTerms, "highlight", "H", o.HighlightTerms, "Highlight matches of this regular expression (repeatable)")
	names = append(names, "highlight")
	fs.StringVarP(&o.ColorMode, "color", "m", o.ColorMode, "Colorize output: auto, always or never")
	names = append(names, "color")
	return names
}

// Validate ensures provided options are coherent and compiles regex inputs.
func (o *Options) Validate() error {
	o.Namespace = strings.TrimSpace(o.Namespace)
	o.ListenAddr = strings.TrimSpace(o.ListenAddr)
	if o.ListenAddr == "" {
		return fmt.Errorf("--listen cannot be empty")
	}
	if _, _, err := net.SplitHostPort(o.ListenAddr); err != nil {
		return fmt.Errorf("invalid --listen address %q: %w", o.ListenAddr, err)
	}
	if o.TailLines < -1 {
		return fmt.Errorf("--tail cannot be less than -1")
	}
	if o.RoomBuffer <= 0 || o.RoomBuffer > maxRoomBuffer {
		return fmt.Errorf("--room-buffer must be between 1 and %d", maxRoomBuffer)
	}
	origins := o.AllowedOrigins[:0]
	for _, origin := range o.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	o.AllowedOrigins = origins

	o.FilterRegex = nil
	if o.Filter != "" {
		re, err := regexp.Compile(o.Filter)
		if err != nil {
			return fmt.Errorf("invalid filter regex %q: %w", o.Filter, err)
		}
		o.FilterRegex = re
	}
	o.HighlightRegex = nil
	for _, val := range o.HighlightTerms {
		re, err := regexp.Compile(val)
		if err != nil {
			return fmt.Errorf("invalid highlight regex %q: %w", val, err)
		}
		o.HighlightRegex = append(o.HighlightRegex, re)
	}
	switch strings.ToLower(o.ColorMode) {
	case "", "auto":
		o.ColorMode = "auto"
	case "always":
		o.ColorMode = "always"
	case "never":
		o.ColorMode = "never"
	default:
		return fmt.Errorf("invalid --color value %q (allowed: auto, always, never)", o.ColorMode)
	}
	return nil
}

// OriginAllowed reports whether a websocket handshake from origin may proceed.
// An empty allow list accepts every origin.
func (o *Options) OriginAllowed(origin string) bool {
	if len(o.AllowedOrigins) == 0 {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range o.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
