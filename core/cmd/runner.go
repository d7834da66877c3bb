package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m3rciful/dialogbot/core/bootstrap"
	coreconfig "github.com/m3rciful/dialogbot/core/config"
	"github.com/m3rciful/dialogbot/core/dispatch"
	"github.com/m3rciful/dialogbot/core/logger"
	coretelegram "github.com/m3rciful/dialogbot/core/telegram"
)

// HandlerBuilder builds a bot's update handler from bootstrapped
// infrastructure and the assembled Telegram runtime.
type HandlerBuilder func(infra *bootstrap.Result, rt coretelegram.Runtime) (dispatch.Handler, error)

// Options describe how to load configuration, bootstrap the app, and run the bot.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	Handler HandlerBuilder

	LoadConfig func(path string) (*coreconfig.Config, error)
	Bootstrap  func(ctx context.Context, opts bootstrap.Options) (*bootstrap.Result, error)

	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
	// Context replaces the signal-bound root context.
	Context func() (context.Context, context.CancelFunc)
}

// Run loads configuration, bootstraps storage, and runs the bot runtime until
// SIGINT or SIGTERM.
func Run(opts Options) error {
	if opts.Handler == nil {
		return fmt.Errorf("cmd: Handler is required")
	}
	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = coreconfig.Load
	}
	boot := opts.Bootstrap
	if boot == nil {
		boot = bootstrap.Run
	}

	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	newContext := opts.Context
	if newContext == nil {
		newContext = func() (context.Context, context.CancelFunc) {
			return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		}
	}
	ctx, cancel := newContext()
	defer cancel()

	startedAt := time.Now()
	infra, err := boot(ctx, bootstrap.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}

	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	defer func() {
		if err := infra.Close(); err != nil {
			logger.Warn(context.Background(), "app", "storage.close", slog.String("err", err.Error()))
		}
	}()

	runOpts := coretelegram.RunOptions{
		Config:  cfg,
		Offsets: infra.Offsets,
		Handler: func(rt coretelegram.Runtime) (dispatch.Handler, error) {
			return opts.Handler(infra, rt)
		},
		OnStart: func(ctx context.Context, _ coretelegram.Runtime) error {
			logger.Info(ctx, "app", "ready",
				slog.String("instance", infra.InstanceID),
				slog.Duration("startup_duration", logger.Took(startedAt)),
			)
			return nil
		},
		OnStop: func(ctx context.Context, _ coretelegram.Runtime) error {
			logger.Info(ctx, "app", "shutdown", slog.String("instance", infra.InstanceID))
			return nil
		},
	}

	run := opts.RunTelegram
	if run == nil {
		run = coretelegram.RunTelegram
	}
	return run(ctx, runOpts)
}
