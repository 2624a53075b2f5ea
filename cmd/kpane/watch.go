// File: cmd/kpane/watch.go
// Brief: CLI command wiring and implementation for 'watch'.

// watch.go implements 'kpane watch', a terminal client that drives the same pane
// dashboard as the websocket server and prints every pane to one stream.
package main

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/kpane/internal/config"
	"github.com/example/kpane/internal/delivery"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
)

var panePalette = []color.Attribute{color.FgCyan, color.FgMagenta, color.FgGreen, color.FgYellow}

type watchTarget struct {
	Pod       string
	Container string
}

func newWatchCommand(globals *globalFlags) *cobra.Command {
	opts := config.NewOptions()
	cmd := &cobra.Command{
		Use:   "watch POD[/CONTAINER]...",
		Short: "Follow up to four containers in the terminal",
		Long: "Open one pane per argument and print their log lines as they arrive. " +
			"A bare POD takes the first container no other pane holds.",
		Args:          cobra.RangeArgs(1, panes.MaxPanes),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args, opts, globals)
		},
	}
	opts.BindFlags(cmd.Flags())
	opts.BindWatchFlags(cmd.Flags())
	return cmd
}

func parseWatchTargets(args []string) ([]watchTarget, error) {
	targets := make([]watchTarget, 0, len(args))
	for _, arg := range args {
		pod, container, _ := strings.Cut(strings.TrimSpace(arg), "/")
		if pod == "" || strings.Contains(container, "/") {
			return nil, fmt.Errorf("invalid target %q, expected POD or POD/CONTAINER", arg)
		}
		targets = append(targets, watchTarget{Pod: pod, Container: container})
	}
	return targets, nil
}

func runWatch(cmd *cobra.Command, args []string, opts *config.Options, globals *globalFlags) error {
	targets, err := parseWatchTargets(args)
	if err != nil {
		return err
	}
	opts.KubeConfigPath = globals.kubeconfigPath
	opts.Context = globals.kubeContext
	if err := opts.Validate(); err != nil {
		return err
	}
	applyColorMode(opts.ColorMode)
	logger, err := setupLogger(globals.logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	client, source, err := openCluster(ctx, opts, logger)
	if err != nil {
		return err
	}
	namespace := resolveNamespace(opts, client)
	catalog, err := kube.PodCatalog(ctx, client.Clientset, namespace)
	if err != nil {
		return err
	}

	printer := newPanePrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
	hub := delivery.NewHub(ctx, printer.deliver, logger, opts.RoomBuffer)
	dashboard := panes.NewDashboard(namespace, source, hub, logger)
	defer hub.Shutdown()
	defer dashboard.Close()
	dashboard.SetCatalog(catalog)

	ids := make([]string, len(targets))
	for i := range targets {
		id, err := dashboard.AddPane()
		if err != nil {
			return err
		}
		printer.track(id, i)
		ids[i] = id
	}
	for i, target := range targets {
		id := ids[i]
		if target.Container != "" {
			err = dashboard.BindPane(id, target.Pod, target.Container)
		} else {
			var picked string
			picked, err = dashboard.SelectPod(id, target.Pod)
			if err == nil && picked == "" {
				printer.setLive(id, false)
			}
		}
		if err != nil {
			return fmt.Errorf("pane %d: %w", i+1, err)
		}
	}

	watcher := kube.NewCatalogWatcher(client.Clientset, namespace, logger)
	watcher.OnChange(dashboard.SetCatalog)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
		case <-printer.idle:
			fmt.Fprintln(cmd.ErrOrStderr(), "All panes have ended")
		}
		return nil
	})
	return g.Wait()
}

func applyColorMode(mode string) {
	switch mode {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	}
}

type paneState struct {
	label string
	color *color.Color
	live  bool
}

// panePrinter renders delivered events. It is called from one pump goroutine
// per pane.
type panePrinter struct {
	out        io.Writer
	notes      io.Writer
	filter     *regexp.Regexp
	highlights []*regexp.Regexp
	highlight  *color.Color
	timestamps bool

	mu       sync.Mutex
	panes    map[string]*paneState
	idle     chan struct{}
	idleOnce sync.Once
}

func newPanePrinter(out, notes io.Writer, opts *config.Options) *panePrinter {
	return &panePrinter{
		out:        out,
		notes:      notes,
		filter:     opts.FilterRegex,
		highlights: opts.HighlightRegex,
		highlight:  color.New(color.BgYellow, color.FgBlack),
		timestamps: opts.Timestamps,
		panes:      make(map[string]*paneState),
		idle:       make(chan struct{}),
	}
}

// track registers room as the index'th pane. Panes start live so a pane that
// ends early does not stop the client before the others are bound.
func (p *panePrinter) track(room string, index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panes[room] = &paneState{
		label: fmt.Sprintf("%d", index+1),
		color: color.New(panePalette[index%len(panePalette)]),
		live:  true,
	}
}

func (p *panePrinter) setLive(room string, live bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.panes[room]; ok {
		st.live = live
		p.checkIdleLocked()
	}
}

func (p *panePrinter) deliver(_ context.Context, ev panes.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.panes[ev.Room]
	if !ok {
		return nil
	}
	switch ev.Kind {
	case panes.EventLog:
		if p.filter != nil && !p.filter.MatchString(ev.Line) {
			return nil
		}
		_, err := fmt.Fprintln(p.out, p.formatLine(st, ev))
		return err
	case panes.EventBinding:
		switch {
		case ev.Unavailable:
			st.live = false
			fmt.Fprintf(p.notes, "pane %s: every container of %s is shown in another pane\n", st.label, ev.Pod)
		case ev.Container == "":
			st.live = false
			fmt.Fprintf(p.notes, "pane %s: %s\n", st.label, ev.Reason)
		default:
			st.live = true
			fmt.Fprintf(p.notes, "pane %s: following %s/%s (%s)\n", st.label, ev.Pod, ev.Container, ev.Reason)
		}
	case panes.EventSourceEnded:
		st.live = false
		fmt.Fprintf(p.notes, "pane %s: %s/%s ended: %s\n", st.label, ev.Pod, ev.Container, ev.Reason)
	}
	p.checkIdleLocked()
	return nil
}

func (p *panePrinter) checkIdleLocked() {
	for _, st := range p.panes {
		if st.live {
			return
		}
	}
	p.idleOnce.Do(func() { close(p.idle) })
}

func (p *panePrinter) formatLine(st *paneState, ev panes.Event) string {
	var b strings.Builder
	b.WriteString(st.color.Sprintf("[%s %s/%s]", st.label, ev.Pod, ev.Container))
	b.WriteByte(' ')
	if p.timestamps && !ev.ProducedAt.IsZero() {
		b.WriteString(ev.ProducedAt.Local().Format(time.TimeOnly))
		b.WriteByte(' ')
	}
	line := ev.Line
	if !color.NoColor {
		for _, re := range p.highlights {
			line = re.ReplaceAllStringFunc(line, func(m string) string {
				return p.highlight.Sprint(m)
			})
		}
	}
	b.WriteString(line)
	return b.String()
}
