package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/stringutils"
)

const appName = "gotrigger"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/gotrigger/config.toml"

type command struct {
	name  string
	usage string
	// needsRepository is true when the command requires the repository
	// section of the configuration.
	needsRepository bool
	run             func(ctx context.Context, config *cfg.Config, cmdArgs []string) error
}

var commands = []*command{
	{name: "serve", usage: "run the relay http endpoint that cloud scheduler jobs can target", needsRepository: true, run: serveCmd},
	{name: "dispatch", usage: "send a repository dispatch event now", needsRepository: true, run: dispatchCmd},
	{name: "preflight", usage: "verify the api token, its repository permission and the repository secrets", needsRepository: true, run: preflightCmd},
	{name: "check-env", usage: "verify the environment variables of the triggered workflow", run: checkEnvCmd},
	{name: "scheduler", usage: "print or run the gcloud scheduler command for an operation", needsRepository: true, run: schedulerCmd},
	{name: "runs", usage: "list recent repository_dispatch workflow runs", needsRepository: true, run: runsCmd},
}

func findCommand(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}

	return nil
}

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the gotrigger configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.CommandLine.SetInterspersed(false)

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]... COMMAND [ARG]...\nTrigger GitHub repository dispatch events.\n", appName)
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.usage)
		}
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

// mustParseCfg loads the configuration file.
// When optional is true and the default configuration file does not exist,
// the default configuration is returned.
func mustParseCfg(optional bool) *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	if optional && errors.Is(err, fs.ErrNotExist) && !pflag.CommandLine.Changed("cfg-file") {
		var config cfg.Config
		config.ApplyDefaults()
		return &config
	}
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stderr,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

// mustInitLogger initializes the global logger.
// Logs are written to stderr, stdout is reserved for command output.
func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		// syncing stderr fails with EINVAL on some platforms, the error
		// is not actionable
		_ = logger.Sync()
	})
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	if pflag.NArg() == 0 {
		pflag.Usage()
		os.Exit(2)
	}

	cmd := findCommand(pflag.Arg(0))
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "ERROR: unknown command: %q\n\n", pflag.Arg(0))
		pflag.Usage()
		os.Exit(2)
	}

	config := mustParseCfg(!cmd.needsRepository)

	if cmd.needsRepository {
		exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), config.Validate())
	}

	mustInitLogger(config)

	logger.Debug(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("command", cmd.name),
		zap.String("repository", config.Repository.String()),
		zap.String("github_api_url", config.GithubAPIURL),
		zap.String("github_api_token", stringutils.Hide(config.GithubAPIToken)),
		zap.String("relay_auth_token", stringutils.Hide(config.Relay.AuthToken)),
		zap.String("redis_password", stringutils.Hide(config.Dedup.RedisPassword)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		if sig != nil {
			logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		}
		cancelFn()
	})

	if err := cmd.run(ctx, config, pflag.Args()[1:]); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			goodbye.Exit(ctx, exitErr.code)
		}

		fmt.Fprintln(os.Stderr, "ERROR:", err.Error())
		goodbye.Exit(ctx, 1)
	}

	goodbye.Exit(ctx, 0)
}

// exitCodeError terminates the program with code without printing an error
// message, the command already reported the failure.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
