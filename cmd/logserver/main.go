// logserver discovers the services of a ZetaPush sandbox, enables debug
// tracing on every server of the cluster, subscribes to each service's
// trace channel and serves the merged trace log to a dashboard.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zetapush/zetapush-log-server/internal/cluster"
	"github.com/zetapush/zetapush-log-server/internal/collector"
	"github.com/zetapush/zetapush-log-server/internal/config"
	"github.com/zetapush/zetapush-log-server/internal/controller"
	"github.com/zetapush/zetapush-log-server/internal/engine"
	"github.com/zetapush/zetapush-log-server/internal/pipeline"
	"github.com/zetapush/zetapush-log-server/internal/pkg/security"
	"github.com/zetapush/zetapush-log-server/internal/platform"
	"github.com/zetapush/zetapush-log-server/internal/realtime"
	"github.com/zetapush/zetapush-log-server/internal/registry"
	"github.com/zetapush/zetapush-log-server/internal/server"
	"github.com/zetapush/zetapush-log-server/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "encrypt":
			return runEncrypt(args[1:])
		case "hash-password":
			return runHashPassword(args[1:])
		case "inspect":
			return runInspect(args[1:])
		}
	}
	return runServe(args)
}

func runServe(args []string) error {
	var configPath, listen, logLevel string

	flagSet := pflag.NewFlagSet("logserver", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvConfigPath), "path to the YAML config file")
	flagSet.StringVar(&listen, "listen", "", "dashboard listen address (overrides http.listen)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.HTTP.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if cfg.HasSecrets() {
		key, _, err := security.LoadMasterKey(cfg.Security.MasterKeyPath, false)
		if err != nil {
			return fmt.Errorf("config holds encrypted values: %w", err)
		}
		cipher, err := security.NewCipher(key)
		if err != nil {
			return err
		}
		if err := cfg.DecryptSecrets(cipher); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve wires the components and runs them until ctx is done or one of
// them fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	platformClient, err := platform.NewClient(platform.ClientConfig{
		APIURL:    cfg.Platform.APIURL,
		SandboxID: cfg.Platform.SandboxID,
		Credentials: platform.Credentials{
			APIURL:   cfg.Platform.APIURL,
			Username: cfg.Platform.Username,
			Password: cfg.Platform.Password,
		},
		DebugMethod: cfg.Platform.DebugMethod,
		Logger:      logger.With("component", "platform"),
	})
	if err != nil {
		return err
	}

	transport, err := realtime.NewClient(realtime.Config{
		Servers: platformClient.ServerURLs,
		Path:    cfg.Realtime.Path,
		Auth: realtime.DeveloperAuthentication(cfg.Platform.SandboxID,
			cfg.Platform.Username, cfg.Platform.Password, cfg.Realtime.Resource),
		BackoffMin:      cfg.Realtime.BackoffMin,
		BackoffMax:      cfg.Realtime.BackoffMax,
		LongPollTimeout: cfg.Realtime.LongPollTimeout,
		RequestTimeout:  cfg.Timeouts.Request,
		Logger:          logger.With("component", "realtime"),
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	stats := engine.NewStats()
	aggregator := engine.NewAggregator(cfg.Aggregator.SubscriberBuffer, stats, logger.With("component", "aggregator"))
	services := registry.NewStore()

	traces, err := collector.New(collector.Config{
		SandboxID: cfg.Platform.SandboxID,
		Transport: transport,
		Sink:      aggregator,
		Stats:     stats,
		Recorder:  services,
		Logger:    logger.With("component", "collector"),
	})
	if err != nil {
		return err
	}

	orchestrator, err := pipeline.New(pipeline.Config{
		Platform:          platformClient,
		Activator:         cluster.NewActivator(platformClient, cfg.Timeouts.Request, logger.With("component", "activator")),
		Connector:         transport,
		Subscriber:        pipeline.FromCollector(traces),
		Registry:          services,
		RequestTimeout:    cfg.Timeouts.Request,
		DiscoveryInterval: cfg.Pipeline.DiscoveryInterval,
		Logger:            logger.With("component", "pipeline"),
	})
	if err != nil {
		return err
	}

	exporter, err := storage.NewExportWriter(cfg.Export.Level)
	if err != nil {
		return err
	}
	users := make([]controller.User, 0, len(cfg.HTTP.Users))
	for _, u := range cfg.HTTP.Users {
		users = append(users, controller.User{Username: u.Username, PasswordHash: u.PasswordHash})
	}
	accounts := controller.NewStore(users, cfg.HTTP.SessionTTL)
	if accounts.Open() {
		logger.Warn("no dashboard users configured, the API is open")
	}

	api, err := server.NewAPIServer(server.Config{
		Aggregator: aggregator,
		Status:     orchestrator,
		Registry:   services,
		Accounts:   accounts,
		Export:     exporter,
		WebDir:     cfg.HTTP.WebDir,
		Gzip:       cfg.HTTP.Gzip,
		Logger:     logger.With("component", "api"),
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	stats.StartTicker(ctx, cfg.Aggregator.StatsInterval)
	g.Go(func() error {
		return api.Start(cfg.HTTP.Listen)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := orchestrator.Run(ctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n := accounts.Sweep(); n > 0 {
					logger.Debug("expired sessions removed", "count", n)
				}
			}
		}
	})

	logger.Info("log server started",
		"sandbox_id", cfg.Platform.SandboxID,
		"listen", cfg.HTTP.Listen,
		"discovery_interval", cfg.Pipeline.DiscoveryInterval)
	err = g.Wait()
	logger.Info("log server stopped", "traces", aggregator.Latest().Len())
	return err
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

// runEncrypt reads a secret from stdin and prints its "enc:" form for the
// config file. The master key is created on first use.
func runEncrypt(args []string) error {
	var keyPath string
	flagSet := pflag.NewFlagSet("logserver encrypt", pflag.ContinueOnError)
	flagSet.StringVar(&keyPath, "key-file", config.Default().Security.MasterKeyPath, "master key file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	key, created, err := security.LoadMasterKey(keyPath, true)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stderr, "created master key %s\n", keyPath)
	}
	cipher, err := security.NewCipher(key)
	if err != nil {
		return err
	}

	secret, err := readLine()
	if err != nil {
		return err
	}
	enc, err := cipher.EncryptString(secret)
	if err != nil {
		return err
	}
	fmt.Println(enc)
	return nil
}

// runHashPassword reads a password from stdin and prints a bcrypt hash for
// http.users.
func runHashPassword(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	password, err := readLine()
	if err != nil {
		return err
	}
	hash, err := controller.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// runInspect prints the events of an export file as NDJSON.
func runInspect(args []string) error {
	var query string
	flagSet := pflag.NewFlagSet("logserver inspect", pflag.ContinueOnError)
	flagSet.StringVarP(&query, "query", "q", "", "only print events matching this query")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return errors.New("usage: logserver inspect FILE [-q query]")
	}

	keep, err := engine.CompileFilter(query)
	if err != nil {
		return err
	}
	it, err := storage.OpenExport(flagSet.Arg(0), keep)
	if err != nil {
		return err
	}
	defer it.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for it.Next() {
		data, err := it.Event().MarshalJSON()
		if err != nil {
			return err
		}
		out.Write(data)
		out.WriteByte('\n')
	}
	return it.Error()
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty input")
	}
	return line, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `logserver collects the debug traces of every service of a ZetaPush sandbox
and serves them to the dashboard.

Usage:
  logserver [flags]
  logserver encrypt [--key-file PATH]   < secret
  logserver hash-password                < password
  logserver inspect FILE [-q QUERY]

Flags:
%s`, flagSet.FlagUsages())
}
