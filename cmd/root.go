package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/config"
	"github.com/JakeFAU/skycam-collector/internal/logging"
	"github.com/JakeFAU/skycam-collector/internal/probe"
	"github.com/JakeFAU/skycam-collector/internal/registry"
	"github.com/JakeFAU/skycam-collector/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// skipAppAnnotation marks commands that run without building the application.
const skipAppAnnotation = "skycam/skip-app"

// App defines the application interface that commands will use.
// Tests inject a fake through newApp.
type App interface {
	Logger() *zap.Logger
	Registry() *registry.Registry
	Collect(ctx context.Context) (collector.RunSummary, error)
	Verify(ctx context.Context, categories []string, onResult func(collector.ProbeResult)) (probe.Report, error)
	SetVerifyTimeout(timeout time.Duration)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return server.Build(ctx, cfg, logger)
}

// exitError carries a process exit code out of a command without logging.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skycam",
		Short: "Collects and verifies public sky-camera images.",
		Long: `skycam walks a catalog of public sky cameras grouped by category,
downloads the first working image of each category, runs the configured
analysis program on it and stores the result as a gzip JSON record.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application once config is known and before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] != "" {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newCollectCmd(),
		newVerifyCmd(),
		newSourcesCmd(),
		newServeCmd(),
		newVersionCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	os.Exit(runWithSignals(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// runWithSignals cancels the command context on SIGINT or SIGTERM.
func runWithSignals(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, stdout, stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	executed, err := root.ExecuteContextC(ctx)
	// Post-run hooks are skipped when a command fails, so the app is closed here.
	if executed != nil && executed.Context() != nil {
		if appInstance, ok := executed.Context().Value(appKey).(App); ok && appInstance != nil {
			if cerr := appInstance.Close(context.WithoutCancel(executed.Context())); cerr != nil {
				appInstance.Logger().Warn("application close failed", zap.Error(cerr))
			}
		}
	}
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	zap.L().Error("command execution failed", zap.Error(err))
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}
