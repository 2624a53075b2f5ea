package main

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/example/kpane/internal/config"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
)

func withoutColor(t *testing.T) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func TestParseWatchTargets(t *testing.T) {
	targets, err := parseWatchTargets([]string{"api/app", " worker "})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if targets[0] != (watchTarget{Pod: "api", Container: "app"}) || targets[1] != (watchTarget{Pod: "worker"}) {
		t.Fatalf("unexpected targets %+v", targets)
	}
	for _, bad := range []string{"", "/app", "a/b/c"} {
		if _, err := parseWatchTargets([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestPanePrinterFiltersAndFormats(t *testing.T) {
	withoutColor(t)
	opts := config.NewOptions()
	opts.Timestamps = false
	opts.FilterRegex = regexp.MustCompile("error")
	var out, notes bytes.Buffer
	p := newPanePrinter(&out, &notes, opts)
	p.track("room-a", 0)

	ctx := context.Background()
	_ = p.deliver(ctx, panes.Event{Kind: panes.EventBinding, Room: "room-a", Pod: "api", Container: "app", Reason: panes.ReasonSelected})
	_ = p.deliver(ctx, panes.Event{Kind: panes.EventLog, Room: "room-a", Pod: "api", Container: "app", Line: "all good"})
	_ = p.deliver(ctx, panes.Event{Kind: panes.EventLog, Room: "room-a", Pod: "api", Container: "app", Line: "an error happened"})
	_ = p.deliver(ctx, panes.Event{Kind: panes.EventLog, Room: "unknown", Pod: "api", Container: "app", Line: "error elsewhere"})

	if got := out.String(); got != "[1 api/app] an error happened\n" {
		t.Fatalf("unexpected output %q", got)
	}
	if !strings.Contains(notes.String(), "pane 1: following api/app (selected)") {
		t.Fatalf("unexpected notes %q", notes.String())
	}
}

func TestPanePrinterTimestampsAndHighlight(t *testing.T) {
	opts := config.NewOptions()
	opts.HighlightRegex = []*regexp.Regexp{regexp.MustCompile("boom")}
	p := newPanePrinter(&bytes.Buffer{}, &bytes.Buffer{}, opts)
	p.track("room-a", 1)
	st := p.panes["room-a"]

	prev := color.NoColor
	t.Cleanup(func() { color.NoColor = prev })

	color.NoColor = true
	at := time.Date(2024, 5, 1, 10, 11, 12, 0, time.Local)
	line := p.formatLine(st, panes.Event{Pod: "api", Container: "app", Line: "boom", ProducedAt: at})
	if line != "[2 api/app] 10:11:12 boom" {
		t.Fatalf("unexpected plain line %q", line)
	}

	color.NoColor = false
	line = p.formatLine(st, panes.Event{Pod: "api", Container: "app", Line: "a boom here"})
	if !strings.Contains(line, "\x1b[") || !strings.Contains(line, "boom") {
		t.Fatalf("expected colored highlight, got %q", line)
	}
}

func TestPanePrinterSignalsIdle(t *testing.T) {
	withoutColor(t)
	p := newPanePrinter(&bytes.Buffer{}, &bytes.Buffer{}, config.NewOptions())
	p.track("a", 0)
	p.track("b", 1)
	ctx := context.Background()

	_ = p.deliver(ctx, panes.Event{Kind: panes.EventSourceEnded, Room: "a", Pod: "p", Container: "c", Reason: "stream ended"})
	select {
	case <-p.idle:
		t.Fatalf("idle before every pane ended")
	default:
	}
	_ = p.deliver(ctx, panes.Event{Kind: panes.EventBinding, Room: "b", Pod: "p", Unavailable: true, Reason: panes.ReasonUnavailable})
	select {
	case <-p.idle:
	default:
		t.Fatalf("expected idle once every pane stopped")
	}
}

func TestWatchCommandFollowsDemoPanes(t *testing.T) {
	withoutColor(t)
	writeConfig(t, "{}\n")
	prev := newDemoSource
	newDemoSource = func() panes.Source { return &kube.DemoSource{Lines: 2, Interval: time.Millisecond} }
	t.Cleanup(func() { newDemoSource = prev })

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runRoot("watch", "--demo", "-n", "demo", "--timestamps=false", "pod-1/container-2", "pod-1", "pod-2")
		done <- result{out, err}
	}()
	var out string
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("watch failed: %v", res.err)
		}
		out = res.out
	case <-time.After(5 * time.Second):
		t.Fatalf("watch did not exit after every demo stream ended")
	}
	for _, want := range []string{
		"[1 pod-1/container-2] Fake log line 0 from pod-1/container-2",
		"[1 pod-1/container-2] Fake log line 1 from pod-1/container-2",
		"[2 pod-1/container-1] Fake log line 0 from pod-1/container-1",
		"[3 pod-2/container-3] Fake log line 1 from pod-2/container-3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
