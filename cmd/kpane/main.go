// main.go bootstraps kpane: it builds the root Cobra command, binds config files and
// KPANE_* variables through Viper, and executes with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/example/kpane/internal/config"
	"github.com/example/kpane/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

// globalFlags are the persistent flags every subcommand reads.
type globalFlags struct {
	kubeconfigPath string
	kubeContext    string
	logLevel       string
}

func newRootCommand() *cobra.Command {
	opts := config.NewOptions()
	globals := &globalFlags{logLevel: "info"}
	cmd := &cobra.Command{
		Use:   "kpane",
		Short: "Watch up to four Kubernetes container logs side by side",
		Long: "kpane serves a dashboard where each pane follows one container's logs. " +
			"Run without a subcommand it behaves like 'kpane serve'.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, globals)
		},
	}
	cmd.PersistentFlags().StringVarP(&globals.kubeconfigPath, "kubeconfig", "k", "", "Path to the kubeconfig file to use for CLI requests")
	cmd.PersistentFlags().StringVarP(&globals.kubeContext, "context", "K", "", "Name of the kubeconfig context to use")
	cmd.PersistentFlags().StringVar(&globals.logLevel, "log-level", globals.logLevel, "Log level for kpane output ("+strings.Join(logging.Levels, ", ")+")")
	rootFlagNames := opts.BindFlags(cmd.Flags())
	rootFlagNames = append(rootFlagNames, opts.BindServerFlags(cmd.Flags())...)
	hideFlags(cmd.Flags(), rootFlagNames)

	serveCmd := newServeCommand(opts, globals)
	watchCmd := newWatchCommand(globals)
	podsCmd := newPodsCommand(globals)
	cmd.AddCommand(serveCmd, watchCmd, podsCmd, newVersionCommand())
	cmd.Example = `  # Serve the dashboard for the current context's namespace
  kpane serve --listen :5000

  # Try the dashboard without a cluster
  kpane --demo

  # Follow two containers in the terminal and highlight errors
  kpane watch api-7d9f/app worker-5c4b/worker -n shop --highlight ERROR`
	loadConfig := bindViper(cmd, serveCmd, watchCmd, podsCmd)
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		return loadConfig()
	}
	return cmd
}

// bindViper returns a loader that fills unset flags of commands from KPANE_*
// variables and the config file. It runs from the root's PersistentPreRunE so
// every command invocation reads its own environment.
func bindViper(commands ...*cobra.Command) func() error {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("KPANE")
	v.AutomaticEnv()
	configFile := os.Getenv("KPANE_CONFIG")
	configureConfigFile(v, configFile)

	return func() error {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				return err
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			return err
		}
		for _, cmd := range commands {
			applyViper(v, cmd.Flags(), cmd.PersistentFlags())
		}
		return nil
	}
}

// applyViper copies config and environment values into flags the user did not set.
func applyViper(v *viper.Viper, flagSets ...*pflag.FlagSet) {
	for _, fs := range flagSets {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Changed || !v.IsSet(f.Name) {
				return
			}
			val := fmt.Sprintf("%v", v.Get(f.Name))
			if val != "" {
				_ = f.Value.Set(val)
			}
		})
	}
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "kpane"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "kpane"))
		add(filepath.Join(home, ".kpane"))
	}
	return dirs
}

func hideFlags(fs *pflag.FlagSet, names []string) {
	if fs == nil {
		return
	}
	for _, name := range names {
		_ = fs.MarkHidden(name)
	}
}

// setupLogger builds the process logger and hands it to controller-runtime so
// client-go messages share the same sink.
func setupLogger(level string) (logr.Logger, error) {
	logger, err := logging.New(level)
	if err != nil {
		return logr.Logger{}, err
	}
	ctrl.SetLogger(logger)
	return logger, nil
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", errorMessage(err))
}

func errorMessage(err error) string {
	message := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: verify network connectivity to the cluster API server.", err)
	case apierrors.IsUnauthorized(err):
		message = fmt.Sprintf("%s\nHint: kubeconfig credentials were rejected. Run 'kubectl config view' to confirm the active user.", err)
	case apierrors.IsForbidden(err):
		message = fmt.Sprintf("%s\nHint: kpane needs get/list/watch on pods and pods/log, and list on namespaces.", err)
	}
	return message
}
