package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qiniu/alarmflow/internal/alerting/app"
	"github.com/qiniu/alarmflow/internal/alerting/telemetry"
	"github.com/qiniu/alarmflow/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	exitOK       = 0
	exitFatal    = 1
	exitInvalid  = 2
	exitSignaled = 3
)

// exitError carries the process exit code out of cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			log.Error().Err(ee.err).Int("code", ee.code).Msg("alarmflow stopped")
		}
		return ee.code
	}
	// flag and argument errors
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitInvalid
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "alarmflow",
		Short:         "alarmflow runs the stages of the alert processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "f", os.Getenv("ALARMFLOW_CONFIG"), "configuration file (json or yaml)")
	root.AddCommand(newRunCmd(&configFile), newValidateCmd(&configFile))
	return root
}

func loadConfig(file, role string) (*config.Config, error) {
	cfg, err := config.Load(file)
	if err != nil {
		return nil, &exitError{code: exitInvalid, err: err}
	}
	if role != "" {
		cfg.Role = role
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitInvalid, err: err}
	}
	return cfg, nil
}

func newValidateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(*configFile, ""); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}
}

func newRunCmd(configFile *string) *cobra.Command {
	var opts app.Options
	cmd := &cobra.Command{
		Use:       "run <role>",
		Short:     "Run one pipeline role",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: config.Roles,
		RunE: func(cmd *cobra.Command, args []string) error {
			var role string
			if len(args) == 1 {
				role = args[0]
			}
			cfg, err := loadConfig(*configFile, role)
			if err != nil {
				return err
			}
			opts.Role = cfg.Role
			return run(cmd.Context(), cfg, opts)
		},
	}
	cmd.Flags().DurationVar(&opts.MinInterval, "min-interval", time.Second, "floor of every periodic loop and length of one cycle")
	cmd.Flags().IntVar(&opts.MaxCycles, "max-cycles", 0, "stop after this many cycles (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.MaxUptime, "max-uptime", 0, "stop after running this long (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.NoServer, "no-server", false, "do not start the HTTP listener")
	return cmd
}

func run(parent context.Context, cfg *config.Config, opts app.Options) error {
	telemetry.SetupLogging(cfg.Logging.Level, cfg.Logging.Format, cfg.Role, cfg.Cluster)
	log.Info().Str("role", cfg.Role).Msg("Starting alarmflow")

	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.InitTracing(sigCtx, telemetry.TraceConfig{
		ServiceName: cfg.ServiceName,
		Role:        cfg.Role,
		Cluster:     cfg.Cluster,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(ctx)
	}()

	deps, err := app.Build(sigCtx, cfg)
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			return &exitError{code: exitInvalid, err: err}
		}
		return &exitError{code: exitFatal, err: err}
	}
	defer deps.Close()

	a, err := app.New(deps, opts)
	if err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	if err := a.Run(sigCtx); err != nil {
		return &exitError{code: exitFatal, err: err}
	}
	if parent.Err() == nil && sigCtx.Err() != nil {
		log.Info().Msg("shutdown by signal")
		return &exitError{code: exitSignaled}
	}
	log.Info().Int("cycles", a.Cycles()).Msg("alarmflow stopped")
	return nil
}
