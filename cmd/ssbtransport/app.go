package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport"
	"pkt.systems/ssbtransport/internal/loggingutil"
)

const (
	envPrefix             = "SSBT"
	defaultConfigDirName  = ".ssbtransport"
	defaultConfigFileName = "config.yaml"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "ssbtransport")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	// engineOptions are appended when subcommands construct engines.
	engineOptions []ssbtransport.Option
}

func newRootCommand(baseLogger pslog.Logger, opts ...ssbtransport.Option) *cobra.Command {
	c := &cli{v: viper.New(), baseLogger: baseLogger, engineOptions: opts}

	cmd := &cobra.Command{
		Use:           "ssbtransport",
		Short:         "ssbtransport sends and receives durable session messages over SQL Server Service Broker",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Send a message from the client service to the orders service
  SSBT_DSN='server=db;database=orders;user id=app;password=secret;async=true;mars=true' \
    ssbtransport send --address net.ssb:source=client:target=orders 'hello'

  # Receive from the orders service and acknowledge every message
  ssbtransport serve --service orders --reply 'ack:'

  # Inspect a service and a conversation endpoint
  ssbtransport service orders
  ssbtransport conversation 7d0c2f1e-0b4f-4c56-9d7e-2f1a1c9f6a10 --output yaml

  # Remove every conversation endpoint in a test database
  ssbtransport cleanup --all --yes
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := c.loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				c.logger("cli.root").Info("cli.config.loaded", "path", configFile)
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/"+defaultConfigDirName+"/"+defaultConfigFileName+")")
	persistentFlags.StringP("dsn", "d", "", "SQL Server data source name (must enable asynchronous processing and MARS)")
	persistentFlags.String("contract", ssbtransport.DefaultContract, "contract dialogs are begun on")
	persistentFlags.Bool("encryption", false, "request dialog encryption on BEGIN DIALOG")
	persistentFlags.Bool("end-conversation-on-close", false, "end explicitly begun conversations when output sessions close")
	persistentFlags.Duration("open-timeout", ssbtransport.DefaultOpenTimeout, "bound for open, service resolution and group acquisition")
	persistentFlags.Duration("close-timeout", ssbtransport.DefaultCloseTimeout, "bound for END CONVERSATION and maintenance commands")
	persistentFlags.Duration("send-timeout", ssbtransport.DefaultSendTimeout, "bound for one send")
	persistentFlags.Duration("accept-timeout", ssbtransport.DefaultAcceptTimeout, "how long a listener waits for a conversation group")
	persistentFlags.Duration("session-linger", ssbtransport.DefaultSessionLinger, "how long an input session waits for further messages of its group")
	persistentFlags.String("max-message-size", humanizeBytes(ssbtransport.DefaultMaxMessageSize), "maximum received message body")
	persistentFlags.Int("max-sessions", ssbtransport.DefaultMaxSessions, "maximum concurrently served sessions")
	persistentFlags.Duration("contention-backoff", ssbtransport.DefaultContentionBackoff, "pause after losing a conversation group to another receiver")
	persistentFlags.Duration("drain-timeout", ssbtransport.DefaultDrainTimeout, "bound for unwinding a cancelled broker wait")
	persistentFlags.Int("retry-attempts", ssbtransport.DefaultRetryMaxAttempts, "maximum attempts for transient backend errors")
	persistentFlags.Duration("retry-base-delay", ssbtransport.DefaultRetryBaseDelay, "initial backoff for transient backend errors")
	persistentFlags.Duration("retry-max-delay", ssbtransport.DefaultRetryMaxDelay, "maximum backoff for transient backend errors")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	persistentFlags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringP("output", "o", outputText, "output format (text, yaml)")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	persistentFlags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newServeCommand(c))
	cmd.AddCommand(newSendCommand(c))
	cmd.AddCommand(newServiceCommand(c))
	cmd.AddCommand(newConversationCommand(c))
	cmd.AddCommand(newCleanupCommand(c))
	cmd.AddCommand(newVersionCommand(c))
	return cmd
}

func (c *cli) logger(subsystem string) pslog.Logger {
	logger := c.baseLogger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	return loggingutil.WithSubsystem(logger, subsystem)
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, defaultConfigDirName, defaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper, cfg *ssbtransport.Config) error {
	cfg.DSN = v.GetString("dsn")
	cfg.Contract = v.GetString("contract")
	cfg.Encryption = v.GetBool("encryption")
	cfg.EndConversationOnClose = v.GetBool("end-conversation-on-close")
	cfg.OpenTimeout = v.GetDuration("open-timeout")
	cfg.CloseTimeout = v.GetDuration("close-timeout")
	cfg.SendTimeout = v.GetDuration("send-timeout")
	cfg.AcceptTimeout = v.GetDuration("accept-timeout")
	cfg.SessionLinger = v.GetDuration("session-linger")
	if maxSize := strings.TrimSpace(v.GetString("max-message-size")); maxSize != "" {
		size, err := humanize.ParseBytes(maxSize)
		if err != nil {
			return fmt.Errorf("parse max-message-size: %w", err)
		}
		cfg.MaxMessageSize = int64(size)
	}
	cfg.MaxSessions = v.GetInt("max-sessions")
	cfg.ContentionBackoff = v.GetDuration("contention-backoff")
	cfg.DrainTimeout = v.GetDuration("drain-timeout")
	cfg.RetryMaxAttempts = v.GetInt("retry-attempts")
	cfg.RetryBaseDelay = v.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = v.GetDuration("retry-max-delay")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.MetricsListen = v.GetString("metrics-listen")
	cfg.PprofListen = v.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = v.GetBool("enable-profiling-metrics")
	return nil
}

// newEngine builds an engine from the bound flags, environment and config file.
func (c *cli) newEngine(subsystem string) (*ssbtransport.Engine, error) {
	var cfg ssbtransport.Config
	if err := bindConfig(c.v, &cfg); err != nil {
		return nil, err
	}
	opts := append([]ssbtransport.Option{ssbtransport.WithLogger(c.logger(subsystem))}, c.engineOptions...)
	return ssbtransport.NewEngine(cfg, opts...)
}

func closeEngine(eng *ssbtransport.Engine, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), eng.Config().CloseTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		logger.Warn("cli.engine.close_failed", "error", err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
