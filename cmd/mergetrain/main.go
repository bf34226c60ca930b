package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/mergetrain/internal/cfg"
	"github.com/simplesurance/mergetrain/internal/git"
	"github.com/simplesurance/mergetrain/internal/githubclt"
	"github.com/simplesurance/mergetrain/internal/logfields"
	"github.com/simplesurance/mergetrain/internal/mergetrain"
	"github.com/simplesurance/mergetrain/internal/provider/github"
	"github.com/simplesurance/mergetrain/internal/retryer"
)

const appName = "mergetrain"

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

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
	DryRun      *bool
	Once        *bool
	MetricsFile *string
}

var args arguments

const defConfigFile = "/etc/mergetrain/config.toml"

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
			"path to the mergetrain configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		DryRun: pflag.Bool(
			"dry-run",
			false,
			"merge pull requests locally but do not push the integration branch",
		),
		Once: pflag.Bool(
			"once",
			false,
			"run the merge train once, print a report and exit, this is the\n"+
				"default when run_interval is not configured,\n"+
				"the exit code is 1 if the run failed",
		),
		MetricsFile: pflag.String(
			"metrics-file",
			"",
			"when running once, write the metrics in the prometheus text format to the file",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge approved pull requests into an integration branch.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
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

// mustInitLogger initializes the global logger. Logs are written to stderr,
// stdout is reserved for the report of single runs.
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
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// singleRun returns true if the merge train is run a single time instead of
// periodically. That is the case when it was requested explicitly or no
// run_interval is configured.
func singleRun(once bool, runInterval time.Duration) bool {
	return once || runInterval <= 0
}

func mustInitRunner(config *cfg.Config) *mergetrain.Runner {
	githubClient := githubclt.New(config.GithubAPIToken)

	gitOpts := []git.Option{
		git.WithIdentity(git.Signature{Name: config.Merge.AuthorName, Email: config.Merge.AuthorEmail}),
	}
	if config.GithubAPIToken != "" {
		gitOpts = append(gitOpts, git.WithAuthToken(config.GithubAPIToken))
	}
	if config.Git.Binary != "" {
		gitOpts = append(gitOpts, git.WithGitBinary(config.Git.Binary))
	}

	var engine mergetrain.Engine = git.New(config.Git.WorkingDir, gitOpts...)
	if *args.DryRun {
		engine = mergetrain.NewDryEngine(engine, logger)
	}

	templates, err := mergetrain.NewTemplates(
		config.Merge.MessageTemplate,
		config.Merge.ChangeTemplate,
		config.Merge.VersionFormat,
	)
	exitOnErr(fmt.Sprintf("invalid template in configuration file: %s", *args.ConfigFile), err)

	var filter *mergetrain.ChangeFilter
	if config.Github.ChangeFilterQuery != "" {
		filter, err = mergetrain.NewChangeFilter(config.Github.ChangeFilterQuery)
		exitOnErr(fmt.Sprintf("invalid change_filter_query in configuration file: %s", *args.ConfigFile), err)
	}

	train := mergetrain.NewTrain(engine, &mergetrain.TrainConfig{
		RemoteURL:         config.Git.RemoteURL,
		BaseBranch:        config.Git.BaseBranch,
		IntegrationBranch: config.Git.IntegrationBranch,
		DescribeOptions:   config.Merge.DescribeOptions,
		Author:            git.Signature{Name: config.Merge.AuthorName, Email: config.Merge.AuthorEmail},
		Templates:         templates,
	})

	return mergetrain.NewRunner(
		githubClient,
		retryer.New(retryer.WithMaxRetryTimeout(config.APIRetryTimeout)),
		train,
		&mergetrain.RunnerConfig{
			Organization: config.Github.Organization,
			Team:         config.Github.Team,
			Repository:   config.Github.Repository,
			IncludeLabel: config.Merge.IncludeLabel,
			ExcludeLabel: config.Merge.ExcludeLabel,
			Filter:       filter,
			DryRun:       *args.DryRun,
		},
	)
}

func runOnce(ctx context.Context, runner *mergetrain.Runner) int {
	report, err := runner.Run(ctx)
	fmt.Print(report.String())

	if *args.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(*args.MetricsFile, prometheus.DefaultGatherer); err != nil {
			logger.Error(
				"writing metrics file failed",
				logfields.Event("metrics_file_write_failed"),
				zap.String("metrics_file", *args.MetricsFile),
				zap.Error(err),
			)
		}
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR: merge train run failed:", err)
		return 1
	}

	return 0
}

// runPeriodically executes a run when the interval expired or a run was
// triggered, until ctx is cancelled.
func runPeriodically(ctx context.Context, runner *mergetrain.Runner, interval time.Duration, trigger <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// errors are logged and recorded as metrics by the runner
		_, _ = runner.Run(ctx)

		select {
		case <-ctx.Done():
			logger.Debug("run loop terminated", logfields.Event("run_loop_terminated"))
			return
		case <-ticker.C:
		case <-trigger:
			ticker.Reset(interval)
		}
	}
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

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPServerListenAddr),
		zap.String("github_webhook_endpoint", config.GithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebhookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Duration("run_interval", config.RunInterval),
		zap.Duration("api_retry_timeout", config.APIRetryTimeout),
		zap.String("github.organization", config.Github.Organization),
		zap.String("github.team", config.Github.Team),
		zap.String("github.repository", config.Github.Repository),
		zap.String("github.change_filter_query", config.Github.ChangeFilterQuery),
		zap.String("git.working_dir", config.Git.WorkingDir),
		zap.String("git.remote_url", config.Git.RemoteURL),
		zap.String("git.base_branch", config.Git.BaseBranch),
		zap.String("git.integration_branch", config.Git.IntegrationBranch),
		zap.String("git.binary", config.Git.Binary),
		zap.String("merge.include_label", config.Merge.IncludeLabel),
		zap.String("merge.exclude_label", config.Merge.ExcludeLabel),
		zap.Strings("merge.describe_options", config.Merge.DescribeOptions),
		zap.Bool("dry_run", *args.DryRun),
	)

	runner := mustInitRunner(config)

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancelFn()
	})

	if singleRun(*args.Once, config.RunInterval) {
		goodbye.Exit(context.Background(), runOnce(ctx, runner))
		return
	}

	trigger := make(chan struct{}, 1)

	if config.HTTPServerListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		if config.GithubWebhookEndpoint != "" {
			gh := github.New(
				trigger,
				config.Github.Organization,
				config.Github.Repository,
				config.Git.BaseBranch,
				github.WithPayloadSecret(config.GithubWebhookSecret),
			)

			mux.HandleFunc(config.GithubWebhookEndpoint, gh.HTTPHandler)
			logger.Info(
				"registered github webhook event http endpoint",
				logfields.Event("github_http_handler_registered"),
				zap.String("endpoint", config.GithubWebhookEndpoint),
			)
		}

		startHTTPServer(config.HTTPServerListenAddr, mux)
	}

	runPeriodically(ctx, runner, config.RunInterval, trigger)
}
