// File: cmd/kpane/serve.go
// Brief: CLI command wiring and implementation for 'serve'.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/kpane/internal/caststream"
	"github.com/example/kpane/internal/config"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
)

const statsInterval = time.Minute

// newDemoSource builds the log source used with --demo.
var newDemoSource = func() panes.Source { return kube.NewDemoSource() }

func newServeCommand(opts *config.Options, globals *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Serve the multi-pane log dashboard",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, globals)
		},
	}
	opts.BindFlags(cmd.Flags())
	opts.BindServerFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, opts *config.Options, globals *globalFlags) error {
	opts.KubeConfigPath = globals.kubeconfigPath
	opts.Context = globals.kubeContext
	if err := opts.Validate(); err != nil {
		return err
	}
	logger, err := setupLogger(globals.logLevel)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	client, source, err := openCluster(ctx, opts, logger)
	if err != nil {
		return err
	}
	namespace := resolveNamespace(opts, client)
	if opts.Demo {
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving the demo cluster %q, no Kubernetes API is contacted\n", client.ClusterName)
	}

	srv := caststream.New(opts.ListenAddr, client, source, logger,
		caststream.WithNamespace(namespace),
		caststream.WithRoomBuffer(opts.RoomBuffer),
		caststream.WithOriginCheck(opts.OriginAllowed),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		reportAPIStats(gctx, logger, client, srv)
		return nil
	})
	return g.Wait()
}

// openCluster returns the cluster client and log source for opts: the
// in-memory demo cluster or the kubeconfig's cluster.
func openCluster(ctx context.Context, opts *config.Options, logger logr.Logger) (*kube.Client, panes.Source, error) {
	if opts.Demo {
		return kube.NewDemoClient(opts.Namespace), newDemoSource(), nil
	}
	client, err := kube.New(ctx, opts.KubeConfigPath, opts.Context)
	if err != nil {
		return nil, nil, err
	}
	source := kube.NewLogSource(client.Streams, logger.WithName("kube"),
		kube.WithTailLines(opts.TailLines),
		kube.WithTimestamps(opts.Timestamps),
	)
	return client, source, nil
}

func resolveNamespace(opts *config.Options, client *kube.Client) string {
	if opts.Namespace != "" {
		return opts.Namespace
	}
	if client.Namespace != "" {
		return client.Namespace
	}
	return "default"
}

// reportAPIStats logs API request totals at V(1) until ctx is done.
func reportAPIStats(ctx context.Context, logger logr.Logger, client *kube.Client, srv *caststream.Server) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := client.Stats.Snapshot()
			logger.V(1).Info("kube api usage",
				"requests", stats.Requests,
				"failures", stats.Failures,
				"avg", stats.Average.String(),
				"slowest", stats.Slowest.String(),
				"sessions", srv.Sessions(),
				"droppedEvents", srv.DroppedEvents(),
			)
		}
	}
}
