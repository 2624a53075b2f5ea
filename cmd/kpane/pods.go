// File: cmd/kpane/pods.go
// Brief: CLI command wiring and implementation for 'pods'.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/kpane/internal/config"
	"github.com/example/kpane/internal/kube"
	"github.com/example/kpane/internal/panes"
)

// catalogListConcurrency bounds parallel pod listings with --all-namespaces.
const catalogListConcurrency = 4

type namespaceCatalog struct {
	Namespace string        `json:"namespace"`
	Pods      panes.Catalog `json:"pods"`
}

func newPodsCommand(globals *globalFlags) *cobra.Command {
	opts := config.NewOptions()
	var allNamespaces bool
	var output string
	cmd := &cobra.Command{
		Use:           "pods",
		Short:         "List the pods and containers a pane can show",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch output {
			case "table", "json":
			default:
				return fmt.Errorf("invalid --output %q (allowed: table, json)", output)
			}
			opts.KubeConfigPath = globals.kubeconfigPath
			opts.Context = globals.kubeContext
			logger, err := setupLogger(globals.logLevel)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			client, _, err := openCluster(ctx, opts, logger)
			if err != nil {
				return err
			}
			namespaces := []string{resolveNamespace(opts, client)}
			if allNamespaces {
				if namespaces, err = kube.ListNamespaces(ctx, client.Clientset); err != nil {
					return err
				}
			}

			results := make([]namespaceCatalog, len(namespaces))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(catalogListConcurrency)
			for i, ns := range namespaces {
				g.Go(func() error {
					catalog, err := kube.PodCatalog(gctx, client.Clientset, ns)
					if err != nil {
						return fmt.Errorf("list pods in %s: %w", ns, err)
					}
					results[i] = namespaceCatalog{Namespace: ns, Pods: catalog}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printCatalogs(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().StringVarP(&opts.Namespace, "namespace", "n", opts.Namespace, "Kubernetes namespace to list. Defaults to the context namespace")
	cmd.Flags().BoolVar(&opts.Demo, "demo", opts.Demo, "List the in-memory mock cluster instead of a real cluster")
	cmd.Flags().BoolVarP(&allNamespaces, "all-namespaces", "A", false, "List pods in every namespace")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or json")
	return cmd
}

func printCatalogs(w io.Writer, results []namespaceCatalog) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tPOD\tCONTAINERS")
	for _, res := range results {
		for _, entry := range res.Pods {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", res.Namespace, entry.Pod, strings.Join(entry.Containers, ","))
		}
	}
	return tw.Flush()
}
