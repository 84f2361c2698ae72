// Package cmd implements the toolbox command line.
package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-toolbox/toolbox/config"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/shutdown"
	"github.com/agent-toolbox/toolbox/telemetry"
)

var versionInfo struct {
	Version string
	Commit  string
}

// SetVersionInfo is called by main with build information.
func SetVersionInfo(version, commit string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
}

// app is the state shared by the commands of one invocation.
type app struct {
	cfgFile      string
	verbose      bool
	logFormat    string
	otlpEndpoint string

	cfg      *config.Config
	registry *config.Registry
	logger   *logging.Logger
	coord    *shutdown.Coordinator
	ctx      context.Context
	stop     context.CancelFunc
}

// Execute runs the root command with the process arguments.
func Execute() error {
	root, a := newRootCommand()
	err := root.Execute()
	// PersistentPostRunE is skipped when a command fails.
	if terr := a.teardown(); err == nil {
		err = terr
	}
	return err
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:           "toolbox",
		Short:         "Rate limiting, retry and circuit breaking for outbound calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./toolbox.toml or ~/.config/toolbox/toolbox.toml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	flags.StringVar(&a.logFormat, "log-format", "", "log line format: console|json (overrides config)")
	flags.StringVar(&a.otlpEndpoint, "otlp-endpoint", "", "export traces to this OTLP endpoint")

	root.AddCommand(
		newVersionCommand(),
		newConfigCommand(a),
		newLimiterCommand(a),
		newRetryCommand(a),
		newRequestCommand(a),
	)
	return root, a
}

// setup loads configuration and builds the registry. Commands that need
// neither (version) still get a logger.
func (a *app) setup(cmd *cobra.Command) (err error) {
	a.logger = logging.New()
	a.logger.SetOutput(cmd.ErrOrStderr())
	a.coord = shutdown.NewCoordinator(shutdown.Config{Logger: a.logger, Timeout: 10 * time.Second})
	a.ctx, a.stop = a.coord.NotifyContext(cmd.Context())
	defer func() {
		if err != nil {
			_ = a.teardown()
		}
	}()

	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
	a.cfg = cfg

	reg, err := cfg.Build(a.logger)
	if err != nil {
		return err
	}
	a.registry = reg
	a.coord.Register("registry", shutdown.PhaseCoordination, shutdown.Closer(reg.Close))

	if a.otlpEndpoint != "" {
		provider, err := telemetry.InitProvider(a.ctx, telemetry.ProviderConfig{
			ServiceName:    "toolbox",
			ServiceVersion: versionInfo.Version,
			Endpoint:       a.otlpEndpoint,
			Insecure:       true,
		})
		if err != nil {
			return err
		}
		a.coord.Register("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	}
	return nil
}

// teardown runs the shutdown handlers once. Later calls do nothing.
func (a *app) teardown() error {
	if a.stop != nil {
		defer a.stop()
		a.stop = nil
	}
	if a.coord == nil {
		return nil
	}
	coord := a.coord
	a.coord = nil
	return coord.ShutdownWithTimeout(0)
}

// context returns the signal-aware context for the running command.
func (a *app) context() context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}
