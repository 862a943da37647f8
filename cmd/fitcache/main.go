package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/fitlab/go-fitness/cache"
	"github.com/fitlab/go-fitness/config"
	"github.com/fitlab/go-fitness/env"
	"github.com/fitlab/go-fitness/eventing"
	"github.com/fitlab/go-fitness/logger"
	"github.com/fitlab/go-fitness/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app holds what every subcommand needs, built lazily from flags.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	rdb     redis.UniversalClient
	backend cache.Backend
	cache   *cache.Indexed
	flush   telemetry.ShutdownFunc
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := env.LoadEnvFile(env.FlagOrEnv(cmd, "env-file", env.Prefix+"ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	cfg, err := config.Load(env.FlagOrEnv(cmd, "config", env.Prefix+"CONFIG", ""))
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("redis-addr"); addr != "" {
		cfg.Redis.Addr = addr
	}
	a := &app{cfg: cfg, log: env.NewLogger(cmd)}
	if otlpURL := env.FlagOrEnv(cmd, "otlp-url", env.Prefix+"OTLP_URL", ""); otlpURL != "" {
		token := env.FlagOrEnv(cmd, "otlp-token", env.Prefix+"OTLP_TOKEN", "")
		otelLog, flush, err := telemetry.New(cmd.Context(), a.log, otlpURL, token, "fitcache", env.LogLevel(cmd))
		if err != nil {
			return nil, err
		}
		a.flush = flush
		a.log = logger.NewMultiLogger(a.log, otelLog)
	}
	if cfg.Cache.Backend == config.BackendRedis || !cfg.Events.Disabled {
		a.rdb = cfg.RedisClient()
	}
	if a.backend, err = cfg.NewBackend(cmd.Context(), a.rdb, a.log); err != nil {
		a.Close()
		return nil, err
	}
	if a.cache, err = cfg.NewIndexed(a.backend, a.log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// bus returns the invalidation bus, or an error when events are disabled.
func (a *app) bus(ctx context.Context) (eventing.Bus, error) {
	if a.cfg.Events.Disabled || a.rdb == nil {
		return nil, errors.New("events are disabled in the configuration")
	}
	return eventing.NewRedisBus(ctx, a.log, a.rdb, a.cfg.Events.Channel), nil
}

func (a *app) Close() {
	if a.backend != nil {
		a.backend.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.flush != nil {
		a.flush()
	}
}

// run builds the app for cmd and hands it to fn.
func run(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "fitcache",
		Short:         "Inspect and invalidate the fitlab indexed cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config file (env FITLAB_CONFIG)")
	root.PersistentFlags().String("env-file", "", "path to a .env file (env FITLAB_ENV_FILE, default .env)")
	root.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error (env FITLAB_LOG_LEVEL)")
	root.PersistentFlags().String("log-format", "", "log format: console or json (env FITLAB_LOG_FORMAT)")
	root.PersistentFlags().String("redis-addr", "", "redis address, overrides redis.addr")
	root.PersistentFlags().String("otlp-url", "", "export traces to this OTLP/HTTP collector (env FITLAB_OTLP_URL)")
	root.PersistentFlags().String("otlp-token", "", "bearer token for the collector (env FITLAB_OTLP_TOKEN)")

	root.AddCommand(
		newGetCommand(),
		newInvalidateCommand(),
		newMembersCommand(),
		newTTLCommand(),
		newConfigCommand(),
		newPublishCommand(),
		newListenCommand(),
		newAdviceCommand(),
		newTopCommand(),
		newRecordCommand(),
		newLibraryCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		stop()
		os.Exit(1)
	}
}
