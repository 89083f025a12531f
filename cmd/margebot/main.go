package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/margebot/internal/bot"
	"github.com/simplesurance/margebot/internal/cfg"
	"github.com/simplesurance/margebot/internal/git"
	"github.com/simplesurance/margebot/internal/gitlab"
	"github.com/simplesurance/margebot/internal/interval"
	"github.com/simplesurance/margebot/internal/job"
	"github.com/simplesurance/margebot/internal/logfields"
	"github.com/simplesurance/margebot/internal/mrfilter"
	"github.com/simplesurance/margebot/internal/repomanager"
)

const appName = "margebot"

const (
	authTokenEnv = "MARGE_AUTH_TOKEN"
	sshKeyEnv    = "MARGE_SSH_KEY"
)

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
	EnvFile     *string
	ShowVersion *bool
	RunOnce     *bool

	GitLabURL     *string
	AuthTokenFile *string
	SSHKeyFile    *string
	AuthToken     *string
	SSHKey        *string

	Embargo                *string
	UseMergeStrategy       *bool
	RebaseRemotely         *bool
	AddTested              *bool
	AddReviewers           *bool
	AddPartOf              *bool
	ImpersonateApprovers   *bool
	ApprovalResetTimeout   *time.Duration
	CITimeout              *time.Duration
	UseNoFFBatches         *bool
	GuaranteeFinalPipeline *bool
	Batch                  *bool

	MergeOrder         *string
	ProjectRegexp      *string
	BranchRegexp       *string
	SourceBranchRegexp *string
	MRFilter           *string
	PollInterval       *time.Duration

	GitTimeout       *time.Duration
	GitReferenceRepo *string

	HTTPListenAddr *string
	LogFormat      *string
	LogTimeKey     *string
	LogLevel       *string
}

var args arguments

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"debug",
			"v",
			false,
			"enable debug logging",
		),
		ConfigFile: pflag.StringP(
			"config-file",
			"c",
			"",
			"path to a TOML or YAML configuration file, command line flags take precedence",
		),
		EnvFile: pflag.String(
			"env-file",
			"",
			"path to a file with environment variable definitions, loaded before the environment is evaluated",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
		RunOnce: pflag.Bool(
			"run-once",
			false,
			"process the assigned merge requests once and exit",
		),
		GitLabURL: pflag.String(
			"gitlab-url",
			"",
			"base URL of the GitLab instance",
		),
		AuthTokenFile: pflag.String(
			"auth-token-file",
			"",
			"path to a file containing the GitLab token of the bot user, alternatively set "+authTokenEnv,
		),
		SSHKeyFile: pflag.String(
			"ssh-key-file",
			"",
			"path to the private ssh key of the bot user, alternatively set "+sshKeyEnv,
		),
		AuthToken: pflag.String(
			"auth-token",
			"",
			"refused, secrets must not be passed on the command line",
		),
		SSHKey: pflag.String(
			"ssh-key",
			"",
			"refused, secrets must not be passed on the command line",
		),
		Embargo: pflag.String(
			"embargo",
			"",
			`time windows in which nothing is merged, e.g. "Friday@6pm - Monday@7am, Wed@12:00 - Wed@13:00"`,
		),
		UseMergeStrategy: pflag.Bool(
			"use-merge-strategy",
			false,
			"merge the target branch into the source branch instead of rebasing",
		),
		RebaseRemotely: pflag.Bool(
			"rebase-remotely",
			false,
			"let GitLab rebase the source branch, can not be combined with trailers or impersonate-approvers",
		),
		AddTested: pflag.Bool(
			"add-tested",
			false,
			"add a Tested-by trailer to the last commit of rebased merge requests",
		),
		AddReviewers: pflag.Bool(
			"add-reviewers",
			false,
			"add Reviewed-by trailers for all approvers to every commit",
		),
		AddPartOf: pflag.Bool(
			"add-part-of",
			false,
			"add a Part-of trailer with the merge request URL to every commit",
		),
		ImpersonateApprovers: pflag.Bool(
			"impersonate-approvers",
			false,
			"restore approvals that were reset by pushing, requires an admin bot user",
		),
		ApprovalResetTimeout: pflag.Duration(
			"approval-reset-timeout",
			0,
			"how long to wait for GitLab to reset approvals after a push",
		),
		CITimeout: pflag.Duration(
			"ci-timeout",
			job.DefaultOptions().CITimeout,
			"how long to wait for a pipeline to finish",
		),
		UseNoFFBatches: pflag.Bool(
			"use-no-ff-batches",
			false,
			"create merge commits when merging batches",
		),
		GuaranteeFinalPipeline: pflag.Bool(
			"guarantee-final-pipeline",
			false,
			`request a new pipeline by commenting "jenkins retry" when the source branch was already up to date`,
		),
		Batch: pflag.Bool(
			"batch",
			false,
			"merge multiple merge requests of a project in a single batch",
		),
		MergeOrder: pflag.String(
			"merge-order",
			string(gitlab.MergeOrderCreatedAt),
			"order in which merge requests are processed: created_at, updated_at or assigned_at",
		),
		ProjectRegexp: pflag.String(
			"project-regexp",
			".*",
			"only process projects whose path with namespace matches",
		),
		BranchRegexp: pflag.String(
			"branch-regexp",
			".*",
			"only process merge requests whose target branch matches",
		),
		SourceBranchRegexp: pflag.String(
			"source-branch-regexp",
			".*",
			"only process merge requests whose source branch matches",
		),
		MRFilter: pflag.String(
			"mr-filter",
			"",
			"jq expression evaluated against the merge request JSON document, only merge requests it returns true for are processed",
		),
		PollInterval: pflag.Duration(
			"poll-interval",
			bot.DefPollInterval,
			"pause between polling cycles",
		),
		GitTimeout: pflag.Duration(
			"git-timeout",
			git.DefaultTimeout,
			"timeout of individual git commands",
		),
		GitReferenceRepo: pflag.String(
			"git-reference-repo",
			"",
			"local repository used as --reference when cloning",
		),
		HTTPListenAddr: pflag.String(
			"http-listen-addr",
			"",
			"listen address of the http server exposing /metrics, disabled when empty",
		),
		LogFormat: pflag.String(
			"log-format",
			"logfmt",
			"log output format: logfmt, console or json",
		),
		LogTimeKey: pflag.String(
			"log-time-key",
			"time",
			"name of the timestamp field in log entries",
		),
		LogLevel: pflag.String(
			"log-level",
			"info",
			"minimum level of log messages",
		),
	}

	_ = pflag.CommandLine.MarkHidden("auth-token")
	_ = pflag.CommandLine.MarkHidden("ssh-key")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge GitLab merge requests that are assigned to the bot user.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

// mustApplyCfgFile sets all flags that were not passed on the command line
// to their value from the configuration file.
func mustApplyCfgFile() {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	if *args.ConfigFile == "" {
		return
	}

	config, err := cfg.LoadFile(*args.ConfigFile)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), config.Validate())

	for name, val := range config.FlagValues() {
		if pflag.CommandLine.Changed(name) {
			continue
		}

		err := pflag.Set(name, val)
		exitOnErr(fmt.Sprintf("could not apply setting %q from configuration file", name), err)
	}
}

func initLogFmtLogger(logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig()

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = *args.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = *args.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger() {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(*args.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", *args.LogLevel, err)
			os.Exit(2)
		}
	}

	switch *args.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", *args.LogFormat)
		os.Exit(2)
	}

	zap.ReplaceGlobals(logger)
	logger = logger.Named("main")

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

func mustLoadEnvFile() {
	if *args.EnvFile == "" {
		return
	}

	err := godotenv.Load(*args.EnvFile)
	exitOnErr(fmt.Sprintf("could not load environment file: %s", *args.EnvFile), err)
}

func mustReadAuthToken() string {
	if pflag.CommandLine.Changed("auth-token") {
		exitOnErr("invalid arguments", fmt.Errorf("--auth-token is refused, use --auth-token-file or %s", authTokenEnv))
	}

	if *args.AuthTokenFile != "" {
		data, err := os.ReadFile(*args.AuthTokenFile)
		exitOnErr("could not read auth token file", err)

		return strings.TrimSpace(string(data))
	}

	if token := os.Getenv(authTokenEnv); token != "" {
		return strings.TrimSpace(token)
	}

	exitOnErr("invalid arguments", fmt.Errorf("--auth-token-file or %s must be set", authTokenEnv))
	return ""
}

// mustSSHKeyFile returns the path of the ssh key file. A key passed via the
// environment is written to a temporary file that is removed on exit.
func mustSSHKeyFile() string {
	if pflag.CommandLine.Changed("ssh-key") {
		exitOnErr("invalid arguments", fmt.Errorf("--ssh-key is refused, use --ssh-key-file or %s", sshKeyEnv))
	}

	if *args.SSHKeyFile != "" {
		return *args.SSHKeyFile
	}

	key := os.Getenv(sshKeyEnv)
	if key == "" {
		exitOnErr("invalid arguments", fmt.Errorf("--ssh-key-file or %s must be set", sshKeyEnv))
	}

	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}

	f, err := os.CreateTemp("", appName+"-ssh-key-")
	exitOnErr("could not create temporary ssh key file", err)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := os.Remove(f.Name()); err != nil {
			fmt.Fprintf(os.Stderr, "removing temporary ssh key file failed: %s\n", err)
		}
	})

	err = f.Chmod(0o600)
	if err == nil {
		_, err = f.WriteString(key)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	exitOnErr("could not write temporary ssh key file", err)

	return f.Name()
}

func mustCompileRegexp(name, expr string) *regexp.Regexp {
	re, err := regexp.Compile(expr)
	exitOnErr(fmt.Sprintf("invalid %s argument", name), err)

	return re
}

func mustJobOptions() job.Options {
	embargo, err := interval.ParseIntervalUnion(*args.Embargo)
	exitOnErr("invalid embargo argument", err)

	opts := job.DefaultOptions()
	opts.AddTested = *args.AddTested
	opts.AddReviewers = *args.AddReviewers
	opts.AddPartOf = *args.AddPartOf
	opts.Reapprove = *args.ImpersonateApprovers
	opts.ApprovalTimeout = *args.ApprovalResetTimeout
	opts.CITimeout = *args.CITimeout
	opts.Embargo = embargo
	opts.UseNoFFBatches = *args.UseNoFFBatches
	opts.GuaranteeFinalPipeline = *args.GuaranteeFinalPipeline

	switch {
	case *args.UseMergeStrategy && *args.RebaseRemotely:
		exitOnErr("invalid arguments", errors.New("--use-merge-strategy and --rebase-remotely are mutually exclusive"))
	case *args.UseMergeStrategy:
		opts.Fusion = job.FusionMerge
	case *args.RebaseRemotely:
		opts.Fusion = job.FusionGitLabRebase
	}

	exitOnErr("invalid merge options", opts.Validate())

	return opts
}

func mustBotOptions() []bot.Option {
	order, err := gitlab.ParseMergeOrder(*args.MergeOrder)
	exitOnErr("invalid merge-order argument", err)

	result := []bot.Option{
		bot.WithProjectRegexp(mustCompileRegexp("project-regexp", *args.ProjectRegexp)),
		bot.WithBranchRegexp(mustCompileRegexp("branch-regexp", *args.BranchRegexp)),
		bot.WithSourceBranchRegexp(mustCompileRegexp("source-branch-regexp", *args.SourceBranchRegexp)),
		bot.WithMergeOrder(order),
		bot.WithBatch(*args.Batch),
		bot.WithPollInterval(*args.PollInterval),
	}

	if *args.MRFilter != "" {
		filter, err := mrfilter.New(*args.MRFilter)
		exitOnErr("invalid mr-filter argument", err)

		result = append(result, bot.WithFilter(filter))
	}

	return result
}

func mustRepoManager(sshKeyFile string, user *gitlab.User) *repomanager.Manager {
	root, err := os.MkdirTemp("", appName+"-")
	exitOnErr("could not create directory for working copies", err)

	mgr := repomanager.New(
		root,
		sshKeyFile,
		user,
		repomanager.WithGitTimeout(*args.GitTimeout),
		repomanager.WithReference(*args.GitReferenceRepo),
	)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := mgr.Close(); err != nil {
			logger.Warn(
				"removing working copies failed",
				logfields.Event("working_copies_removal_failed"),
				zap.Error(err),
			)
		}

		if err := os.RemoveAll(root); err != nil {
			logger.Warn(
				"removing working copy directory failed",
				logfields.Event("working_copies_removal_failed"),
				zap.Error(err),
			)
		}
	})

	return mgr
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

	mustApplyCfgFile()
	mustLoadEnvFile()
	mustInitLogger()

	if *args.GitLabURL == "" {
		exitOnErr("invalid arguments", errors.New("--gitlab-url must be set"))
	}

	token := mustReadAuthToken()
	sshKeyFile := mustSSHKeyFile()
	jobOpts := mustJobOptions()
	botOpts := mustBotOptions()

	logger.Info(
		"configuration loaded",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("gitlab_url", *args.GitLabURL),
		zap.String("auth_token", hide(token)),
		zap.String("ssh_key_file", sshKeyFile),
		zap.Stringer("fusion", jobOpts.Fusion),
		zap.Stringer("embargo", jobOpts.Embargo),
		zap.Bool("add_tested", jobOpts.AddTested),
		zap.Bool("add_reviewers", jobOpts.AddReviewers),
		zap.Bool("add_part_of", jobOpts.AddPartOf),
		zap.Bool("impersonate_approvers", jobOpts.Reapprove),
		zap.Duration("ci_timeout", jobOpts.CITimeout),
		zap.Duration("approval_reset_timeout", jobOpts.ApprovalTimeout),
		zap.Bool("batch", *args.Batch),
		zap.String("merge_order", *args.MergeOrder),
		zap.String("project_regexp", *args.ProjectRegexp),
		zap.String("branch_regexp", *args.BranchRegexp),
		zap.String("source_branch_regexp", *args.SourceBranchRegexp),
		zap.String("mr_filter", *args.MRFilter),
		zap.String("http_listen_addr", *args.HTTPListenAddr),
		zap.String("log_format", *args.LogFormat),
		zap.String("version", Version),
	)

	ctx, cancel := context.WithCancel(context.Background())
	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		cancel()
	})

	client, err := gitlab.New(*args.GitLabURL, token)
	exitOnErr("could not create gitlab client", err)

	version, err := client.Version(ctx)
	exitOnErr("could not retrieve gitlab version", err)

	user, err := client.Myself(ctx)
	exitOnErr("could not retrieve bot user", err)

	logger.Info(
		"connected to gitlab",
		logfields.Event("gitlab_connected"),
		zap.Stringer("gitlab_version", version),
		logfields.User(user.Username),
		zap.Bool("is_admin", user.IsAdmin),
	)

	if jobOpts.Reapprove && !user.IsAdmin {
		exitOnErr("invalid arguments", errors.New("--impersonate-approvers requires the bot user to be an administrator"))
	}

	if *args.HTTPListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		startHTTPServer(*args.HTTPListenAddr, mux)
	}

	b := bot.New(
		client,
		mustRepoManager(sshKeyFile, user),
		bot.NewRunner(client, user, jobOpts),
		user,
		botOpts...,
	)

	if *args.RunOnce {
		if err := b.RunCycle(ctx); err != nil {
			logger.Error("processing merge requests failed", logfields.Event("cycle_failed"), zap.Error(err))
			return
		}

		goodbye.Exit(context.Background(), 0)
		return
	}

	b.Start(ctx)
}
